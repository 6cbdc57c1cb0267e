// Package oxia implements the MetadataStore interface using Oxia.
//
// Oxia is the clustered backend for sweep state. Every sweepd instance of a
// deployment shares one Oxia namespace, which holds the progress checkpoints,
// priority records and the sweep lease.
//
// Usage:
//
//	store, err := oxia.New(ctx, oxia.Config{
//	    ServiceAddress: "localhost:6648",
//	    Namespace:      "sweepd",
//	})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	version, err := store.Put(ctx, keys.ProgressKeyPath("default.users"), data)
//
// Ephemeral Keys:
//
// PutEphemeral binds a key to the client session. The sweep lease uses it so
// that a sweeper which stops heartbeating loses the lease after
// SessionTimeout.
package oxia
