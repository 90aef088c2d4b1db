// Package client is the Go SDK for the audit ledger service.
//
// # Reading the ledger
//
// Reads are public to anything that can reach the read API:
//
//	c, _ := client.New("https://ledger.internal:8080")
//	page, err := c.Query(ctx, client.Query{ActionType: "APPROVE", Limit: 50})
//	for _, e := range page.Entries {
//	    fmt.Println(e.SequenceNumber, e.ChainStatus, e.Description)
//	}
//
// Pages are newest first. To walk every page of a result set without new
// entries shifting the pages, pass the AsOf value of the first page back:
//
//	q := client.Query{AdminID: "admin-7"}
//	first, _ := c.Query(ctx, q)
//	q.AsOf = first.Pagination.AsOf
//	for q.Page = 2; q.Page <= first.Pagination.TotalPages; q.Page++ {
//	    next, _ := c.Query(ctx, q)
//	    // ...
//	}
//
// # Verifying the chain
//
//	res, err := c.Verify(ctx, 0, 0) // whole chain
//	if !res.Valid {
//	    log.Printf("chain broken at %d: %s", res.BrokenAt, res.Reason)
//	}
//
// # Recording admin actions
//
// Internal services authenticate with a service ID and secret. The client
// exchanges them for a bearer token and refreshes it before expiry:
//
//	c, _ := client.New(ledgerURL, client.WithCredentials("admin-portal", secret))
//	res, err := c.Append(ctx, client.AppendRequest{
//	    ActionType:     "APPROVE",
//	    EntityType:     "application",
//	    EntityID:       "app-42",
//	    ActorID:        admin.ID,
//	    ActorLabel:     admin.Name,
//	    Description:    "approved application",
//	    DataBefore:     map[string]any{"status": "pending"},
//	    DataAfter:      map[string]any{"status": "approved"},
//	    IdempotencyKey: "approve-app-42-" + requestID,
//	})
//
// Retrying with the same IdempotencyKey after a timeout returns the entry
// committed by the first attempt (res.Replayed is true) instead of recording
// the action twice.
package client
