// Package easymkt manages a single market-data session: it connects to a
// provider, opens the market-data service, subscribes securities to a set
// of fields and routes each update to the security it belongs to.
//
// # Usage
//
//	client, err := easymkt.New(easymkt.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer client.Close(context.Background())
//
//	if err := client.OpenHostPort(ctx, "localhost", 8194); err != nil {
//		return err
//	}
//	client.AddField("LAST_PRICE")
//	ibm, _ := client.AddSecurity("IBM US Equity")
//	if err := client.Start(ctx); err != nil {
//		return err
//	}
//
//	for {
//		msg, ok := ibm.Updates().Receive()
//		if !ok {
//			break
//		}
//		// msg.Data holds the field values
//	}
//
// Open blocks until the service is ready, the session fails, or the open
// timeout expires. Updates are delivered in provider order on a single
// goroutine; a security either queues them on Updates or passes them to a
// handler installed with SetHandler.
package easymkt
