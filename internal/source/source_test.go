package source

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/JonMunkholm/cdp/internal/core"
)

const yamlBatch = `source: crm
customers:
  - source_id: C1
    first_name: Asha
    last_name: Rao
    mobile: 9876543210
offers:
  - customer_ref: C1
    offer_type: Loyalty
    amount: 50000
    expiry_date: 2030-01-01
`

const jsonBatch = `{
  "source": "crm",
  "customers": [{"source_id": "C1", "first_name": "Asha", "last_name": "Rao", "email": "asha@example.com"}],
  "offers": [{"customer_ref": "C1", "offer_type": "Top-up", "amount": "75000", "expiry_date": "2030-01-01"}]
}`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestFile_YAML(t *testing.T) {
	src := NewFile(writeFile(t, "batch.yaml", yamlBatch), "")

	batch, err := src.FetchBatch(context.Background())
	if err != nil {
		t.Fatalf("FetchBatch() error = %v", err)
	}
	if batch.Source != "crm" {
		t.Errorf("Source = %q, want crm", batch.Source)
	}
	if len(batch.Customers) != 1 || len(batch.Offers) != 1 {
		t.Fatalf("got %d customers, %d offers, want 1, 1", len(batch.Customers), len(batch.Offers))
	}

	// Unquoted scalars arrive as their literal text.
	if got := batch.Customers[0].Mobile; got != "9876543210" {
		t.Errorf("Mobile = %q, want 9876543210", got)
	}
	if got := batch.Offers[0].Amount; got != "50000" {
		t.Errorf("Amount = %q, want 50000", got)
	}
	if got := batch.Offers[0].ExpiryDate; got != "2030-01-01" {
		t.Errorf("ExpiryDate = %q, want 2030-01-01", got)
	}
}

func TestFile_JSON(t *testing.T) {
	src := NewFile(writeFile(t, "batch.json", jsonBatch), "")

	batch, err := src.FetchBatch(context.Background())
	if err != nil {
		t.Fatalf("FetchBatch() error = %v", err)
	}
	if got := batch.Customers[0].Email; got != "asha@example.com" {
		t.Errorf("Email = %q, want asha@example.com", got)
	}
	if got := batch.Offers[0].OfferType; got != "Top-up" {
		t.Errorf("OfferType = %q, want Top-up", got)
	}
}

func TestFile_SourceOverride(t *testing.T) {
	src := NewFile(writeFile(t, "batch.yaml", yamlBatch), "branch-app")

	batch, err := src.FetchBatch(context.Background())
	if err != nil {
		t.Fatalf("FetchBatch() error = %v", err)
	}
	if batch.Source != "branch-app" {
		t.Errorf("Source = %q, want branch-app", batch.Source)
	}
	if src.Name() != "branch-app" {
		t.Errorf("Name() = %q, want branch-app", src.Name())
	}
}

func TestFile_Name(t *testing.T) {
	src := NewFile("/data/daily-offers.yaml", "")
	if got := src.Name(); got != "daily-offers" {
		t.Errorf("Name() = %q, want daily-offers", got)
	}
}

func TestFile_Errors(t *testing.T) {
	tests := []struct {
		name string
		path func(t *testing.T) string
	}{
		{"missing file", func(t *testing.T) string { return filepath.Join(t.TempDir(), "nope.yaml") }},
		{"malformed yaml", func(t *testing.T) string { return writeFile(t, "bad.yaml", "customers: [unclosed") }},
		{"malformed json", func(t *testing.T) string { return writeFile(t, "bad.json", "{") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewFile(tt.path(t), "").FetchBatch(context.Background()); err == nil {
				t.Error("FetchBatch() error = nil, want error")
			}
		})
	}
}

func TestStatic(t *testing.T) {
	want := core.Batch{Source: "crm", Customers: []core.RawCustomerRecord{{SourceID: "C1"}}}

	got, err := Static{Batch: want}.FetchBatch(context.Background())
	if err != nil {
		t.Fatalf("FetchBatch() error = %v", err)
	}
	if len(got.Customers) != 1 || got.Source != "crm" {
		t.Errorf("FetchBatch() = %+v, want %+v", got, want)
	}

	boom := errors.New("upstream down")
	if _, err := (Static{Err: boom}).FetchBatch(context.Background()); !errors.Is(err, boom) {
		t.Errorf("error = %v, want %v", err, boom)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (Static{Batch: want}).FetchBatch(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled error = %v, want context.Canceled", err)
	}
}
