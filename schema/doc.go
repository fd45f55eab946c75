// Package schema validates envelope bodies against per message type schemas
// before their handlers run.
//
// A Validator plugs into interceptors.NewValidationInterceptor. Envelopes whose
// message type has no schema pass untouched, and bodies that are not JSON are
// not inspected. A failed validation is permanent, so the envelope is
// dead-lettered instead of retried.
//
//	validator := schema.NewValidator()
//	if err := validator.RegisterMessage(OrderPlaced{}); err != nil {
//		return err
//	}
//
//	node, err := relay.NewNode(ctx, cfg, relay.WithValidator(validator))
package schema
