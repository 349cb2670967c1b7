package backend

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"
)

// ContractTest defines the standard suite every adapter must pass.
type ContractTest struct {
	// CreateAdapter returns a fresh adapter over an empty namespace.
	CreateAdapter func(t *testing.T) Adapter

	// Skip operations the backend does not offer.
	SkipList       bool
	SkipConnection bool
}

// RunContractTests runs the standard adapter contract suite.
func RunContractTests(t *testing.T, contract ContractTest) {
	t.Run("Contract", func(t *testing.T) {
		t.Run("Name", func(t *testing.T) {
			testAdapterName(t, contract)
		})

		if !contract.SkipConnection {
			t.Run("TestConnection", func(t *testing.T) {
				testAdapterConnection(t, contract)
			})
		}

		t.Run("PutGet", func(t *testing.T) {
			testAdapterPutGet(t, contract)
		})

		t.Run("GetAbsent", func(t *testing.T) {
			testAdapterGetAbsent(t, contract)
		})

		t.Run("Delete", func(t *testing.T) {
			testAdapterDelete(t, contract)
		})

		if !contract.SkipList {
			t.Run("List", func(t *testing.T) {
				testAdapterList(t, contract)
			})
		}

		t.Run("ContextCancellation", func(t *testing.T) {
			testAdapterContextCancellation(t, contract)
		})
	})
}

func sampleValue(key string, version int64) Value {
	return Value{
		Key:        key,
		Kind:       "string",
		Ciphertext: []byte("sealed-" + key),
		Nonce:      []byte("0123456789ab"),
		Version:    version,
	}
}

func testAdapterName(t *testing.T, contract ContractTest) {
	a := contract.CreateAdapter(t)

	name := a.Name()
	if name == "" {
		t.Error("Adapter.Name() returned empty string")
	}
	if name != a.Name() {
		t.Error("Adapter.Name() not consistent between calls")
	}
	if a.SupportsVersioning() != a.SupportsVersioning() {
		t.Error("Adapter.SupportsVersioning() not consistent between calls")
	}
}

func testAdapterConnection(t *testing.T, contract ContractTest) {
	a := contract.CreateAdapter(t)

	done := make(chan error, 1)
	go func() {
		_, err := a.TestConnection(context.Background())
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Logf("TestConnection failed (expected without a live backend): %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("Adapter.TestConnection() timed out after 5 seconds")
	}
}

func testAdapterPutGet(t *testing.T, contract ContractTest) {
	a := contract.CreateAdapter(t)
	ctx := context.Background()
	meta := map[string]string{MetaActor: "contract"}

	first, err := a.Put(ctx, "CONTRACT_KEY", sampleValue("CONTRACT_KEY", 1), meta)
	if err != nil {
		t.Fatalf("Adapter.Put() failed: %v", err)
	}
	if first.Version < 1 {
		t.Errorf("Adapter.Put() returned version %d, want >= 1", first.Version)
	}

	second := sampleValue("CONTRACT_KEY", first.Version+1)
	second.Ciphertext = []byte("sealed-second")
	stored, err := a.Put(ctx, "CONTRACT_KEY", second, meta)
	if err != nil {
		t.Fatalf("second Adapter.Put() failed: %v", err)
	}
	if stored.Version <= first.Version {
		t.Errorf("version did not increase: %d then %d", first.Version, stored.Version)
	}

	got, ok, err := a.Get(ctx, "CONTRACT_KEY")
	if err != nil || !ok {
		t.Fatalf("Adapter.Get() = ok=%v err=%v, want stored value", ok, err)
	}
	if !bytes.Equal(got.Ciphertext, second.Ciphertext) || !bytes.Equal(got.Nonce, second.Nonce) {
		t.Error("Adapter.Get() did not return the last stored ciphertext/nonce")
	}
	if got.Version != stored.Version {
		t.Errorf("Adapter.Get() version = %d, want %d", got.Version, stored.Version)
	}
}

func testAdapterGetAbsent(t *testing.T, contract ContractTest) {
	a := contract.CreateAdapter(t)

	key := fmt.Sprintf("ABSENT_%d", time.Now().UnixNano())
	_, ok, err := a.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Adapter.Get() on absent key returned error: %v", err)
	}
	if ok {
		t.Error("Adapter.Get() reported an absent key as present")
	}
}

func testAdapterDelete(t *testing.T, contract ContractTest) {
	a := contract.CreateAdapter(t)
	ctx := context.Background()

	if _, err := a.Put(ctx, "DELETE_ME", sampleValue("DELETE_ME", 1), nil); err != nil {
		t.Fatalf("Adapter.Put() failed: %v", err)
	}

	existed, err := a.Delete(ctx, "DELETE_ME")
	if err != nil || !existed {
		t.Fatalf("Adapter.Delete() = %v, %v; want true, nil", existed, err)
	}

	existed, err = a.Delete(ctx, "DELETE_ME")
	if err != nil {
		t.Fatalf("second Adapter.Delete() failed: %v", err)
	}
	if existed {
		t.Error("second Adapter.Delete() reported the key as existing")
	}

	if _, ok, _ := a.Get(ctx, "DELETE_ME"); ok {
		t.Error("deleted key is still readable")
	}
}

func testAdapterList(t *testing.T, contract ContractTest) {
	a := contract.CreateAdapter(t)
	ctx := context.Background()

	for _, k := range []string{"LIST_A", "LIST_B", "LIST_C", "OTHER"} {
		if _, err := a.Put(ctx, k, sampleValue(k, 1), nil); err != nil {
			t.Fatalf("Adapter.Put(%s) failed: %v", k, err)
		}
	}

	seen := map[string]bool{}
	opts := ListOptions{Prefix: "LIST_", MaxResults: 2}
	for page := 0; page < 5; page++ {
		res, err := a.List(ctx, opts)
		if err != nil {
			t.Fatalf("Adapter.List() failed: %v", err)
		}
		if len(res.Values) > 2 {
			t.Errorf("Adapter.List() returned %d values, MaxResults was 2", len(res.Values))
		}
		for _, v := range res.Values {
			seen[v.Key] = true
		}
		if !res.HasMore {
			break
		}
		opts.ContinuationToken = res.ContinuationToken
	}

	for _, k := range []string{"LIST_A", "LIST_B", "LIST_C"} {
		if !seen[k] {
			t.Errorf("Adapter.List() did not return %s", k)
		}
	}
	if seen["OTHER"] {
		t.Error("Adapter.List() ignored the prefix")
	}
}

func testAdapterContextCancellation(t *testing.T, contract ContractTest) {
	a := contract.CreateAdapter(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, _, err := a.Get(ctx, "any-key"); err == nil {
		t.Error("Adapter.Get() should fail with cancelled context")
	}
}
