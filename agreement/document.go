package agreement

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// DigestGenerator is the built-in DocumentGenerator. It does not render
// anything; the reference it returns is a content digest of the agreed terms
// and schedule, so an external renderer can later be matched to the exact
// terms it was produced from.
type DigestGenerator struct {
	Prefix string
}

type documentTerms struct {
	AgreementID   string         `json:"agreement_id"`
	RequirementID string         `json:"requirement_id"`
	BidID         string         `json:"bid_id"`
	CustomerID    string         `json:"customer_id"`
	VendorID      string         `json:"vendor_id"`
	Price         int64          `json:"price"`
	Terms         string         `json:"terms"`
	Slabs         []documentSlab `json:"slabs"`
}

type documentSlab struct {
	Seq        int       `json:"seq"`
	Label      string    `json:"label"`
	Percentage int       `json:"percentage"`
	Amount     int64     `json:"amount"`
	DueDate    time.Time `json:"due_date"`
}

func (g DigestGenerator) Generate(_ context.Context, a Agreement) (string, error) {
	doc := documentTerms{
		AgreementID:   a.ID,
		RequirementID: a.RequirementID,
		BidID:         a.BidID,
		CustomerID:    a.CustomerID,
		VendorID:      a.VendorID,
		Price:         a.Price,
		Terms:         a.Terms,
		Slabs:         make([]documentSlab, 0, len(a.Slabs)),
	}
	for _, s := range a.Slabs {
		doc.Slabs = append(doc.Slabs, documentSlab{Seq: s.Seq, Label: s.Label, Percentage: s.Percentage, Amount: s.Amount, DueDate: s.DueDate.UTC()})
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("agreement: encode document terms: %w", err)
	}
	sum := sha256.Sum256(raw)
	prefix := g.Prefix
	if prefix == "" {
		prefix = "agreement-doc"
	}
	return fmt.Sprintf("%s:sha256:%s", prefix, hex.EncodeToString(sum[:])), nil
}
