// Package fakes provides test doubles for cfgvault's external dependencies.
//
// Fakes are manually implemented (not generated) in-memory stand-ins for the
// cloud SDK clients, the backend adapter contract, the audit sink and the
// Kafka writer. Each fake honors context cancellation and can be told to fail
// the next N calls so retry and error paths can be exercised.
//
// Usage:
//
//	fake := fakes.NewFakeSecretsManagerClient()
//	adapter, _ := backends.NewAWSSecretsManager(ctx, cfg,
//	    backends.WithSecretsManagerClient(fake))
//	fake.FailNext(2, fakes.AWSThrottlingError())
//	// Exercise the adapter...
package fakes

import "sync"

// failures hands out injected errors for the next n calls.
type failures struct {
	mu    sync.Mutex
	n     int
	err   error
	calls int
}

// FailNext makes the next n calls return err.
func (f *failures) FailNext(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n, f.err = n, err
}

// Calls returns the number of calls observed.
func (f *failures) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *failures) next() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.n > 0 {
		f.n--
		return f.err
	}
	return nil
}
