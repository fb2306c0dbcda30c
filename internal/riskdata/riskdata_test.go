package riskdata

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/carelink/go-mar/internal/engine/reconcile"
)

func TestCatalogLookups(t *testing.T) {
	ctx := context.Background()
	c := DefaultCatalog()

	high, err := c.IsHighRisk(ctx, "warfarin")
	if err != nil || !high {
		t.Fatalf("warfarin: got (%v, %v), want high risk", high, err)
	}

	high, err = c.IsHighRisk(ctx, "  Warfarin ")
	if err != nil || !high {
		t.Fatalf("normalized lookup: got (%v, %v), want high risk", high, err)
	}

	high, _ = c.IsHighRisk(ctx, "paracetamol")
	if high {
		t.Fatal("paracetamol must not be high risk")
	}

	sev, err := c.InteractionSeverity(ctx, "methotrexate")
	if err != nil || sev != reconcile.InteractionContraindicated {
		t.Fatalf("methotrexate: got (%s, %v), want contraindicated", sev, err)
	}

	sev, _ = c.InteractionSeverity(ctx, "unknown-drug")
	if sev != reconcile.InteractionNone {
		t.Fatalf("unknown ingredient: got %s, want none", sev)
	}
}

func TestCatalogUpsert(t *testing.T) {
	c := NewCatalog(nil)
	c.Upsert(Entry{Ingredient: "Amiodarone", HighRisk: true, Interaction: reconcile.InteractionMajor})

	high, _ := c.IsHighRisk(context.Background(), "amiodarone")
	if !high {
		t.Fatal("upserted entry not found")
	}
}

func TestClientFetchesAndCaches(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(riskResponse{
			Ingredient: "amiodarone", HighRisk: true, Interaction: "major",
		})
	}))
	defer srv.Close()

	client, err := NewClient(DefaultClientConfig(srv.URL), NewCatalog(nil), nil)
	if err != nil {
		t.Fatalf("client: %v", err)
	}

	high, err := client.IsHighRisk(context.Background(), "amiodarone")
	if err != nil || !high {
		t.Fatalf("got (%v, %v), want high risk", high, err)
	}
	if calls != 1 {
		t.Fatalf("calls: got %d, want 1", calls)
	}

	// fetched entries land in the fallback catalog
	high, _ = client.fallback.IsHighRisk(context.Background(), "amiodarone")
	if !high {
		t.Fatal("fetched entry not cached in fallback catalog")
	}
}

func TestClientFallsBackWhenServiceDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	fallback := NewCatalog([]Entry{{Ingredient: "warfarin", HighRisk: true}})
	client, err := NewClient(DefaultClientConfig(srv.URL), fallback, nil)
	if err != nil {
		t.Fatalf("client: %v", err)
	}

	high, err := client.IsHighRisk(context.Background(), "warfarin")
	if err != nil {
		t.Fatalf("fallback must not error: %v", err)
	}
	if !high {
		t.Fatal("fallback catalog answer expected")
	}
}

func TestClientUnknownIngredientNotHighRisk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client, err := NewClient(DefaultClientConfig(srv.URL), NewCatalog(nil), nil)
	if err != nil {
		t.Fatalf("client: %v", err)
	}

	high, err := client.IsHighRisk(context.Background(), "obscuredrug")
	if err != nil || high {
		t.Fatalf("got (%v, %v), want (false, nil)", high, err)
	}
}
