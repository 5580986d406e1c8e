// Package payment settles finished control sessions.
//
// The session manager calls a Settler once per session whose total cost is
// non-zero. Two implementations are provided:
//
//	┌─────────────────┐   POST /settle    ┌──────────────────────┐
//	│ FacilitatorClient│ ───────────────▶ │ payment facilitator   │
//	└─────────────────┘   {reference}     └──────────────────────┘
//
//	┌─────────────────┐
//	│  LocalSettler   │  tx_<nanoid>, no network (development, tests)
//	└─────────────────┘
//
// # Usage
//
//	settler := payment.NewFacilitatorClient(payment.FacilitatorConfig{
//	    URL:     "https://facilitator.example.com",
//	    APIKey:  os.Getenv("TELEOP_PAYMENT_API_KEY"),
//	    Timeout: 30 * time.Second,
//	})
//	ref, err := settler.Settle(ctx, payment.SettlementRequest{
//	    SessionID: sess.ID,
//	    Amount:    sess.TotalCost,
//	    Currency:  "SOL",
//	    Payer:     sess.UserID,
//	    Payee:     dev.Owner,
//	})
//
// # Thread Safety
//
// Both settlers are safe for concurrent use.
package payment
