package core

// mapper.go converts validated raw records into canonical entities.
//
// Mapping is pure: no I/O, no clock, no validation. Identifiers are UUIDv5
// values over fixed namespaces, so mapping the same batch twice yields the
// same ids and re-delivered batches cannot create second profiles.

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	customerNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:cdp:customer"))
	offerNamespace    = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:cdp:offer"))
)

// CustomerIDFor returns the canonical id for a source customer key.
// Offers use it to find the provisional id of the customer they belong to.
func CustomerIDFor(source, sourceID string) string {
	name := sourceName(source) + "/" + CleanCell(sourceID)
	return uuid.NewSHA1(customerNamespace, []byte(name)).String()
}

// BusinessKey derives the identity key of a customer: the normalized mobile
// number, falling back to PAN, falling back to email.
func BusinessKey(mobile, pan, email string) string {
	if m := NormalizeMobile(mobile); m != "" {
		return "mobile:" + m
	}
	if p := NormalizePAN(pan); p != "" {
		return "pan:" + p
	}
	if e := NormalizeEmail(email); e != "" {
		return "email:" + e
	}
	return ""
}

// OfferDedupKey is the composite key two offers are compared by inside a
// partition.
func OfferDedupKey(customerID, campaignRef string, amount float64) string {
	return fmt.Sprintf("%s|%s|%.2f", customerID, strings.ToLower(CleanCell(campaignRef)), amount)
}

// ToCustomer maps a validated raw customer.
func ToCustomer(source string, raw RawCustomerRecord) CanonicalCustomer {
	return CanonicalCustomer{
		ID:           CustomerIDFor(source, raw.SourceID),
		SourceSystem: sourceName(source),
		SourceID:     CleanCell(raw.SourceID),
		FirstName:    CleanCell(raw.FirstName),
		LastName:     CleanCell(raw.LastName),
		Mobile:       NormalizeMobile(raw.Mobile),
		Email:        NormalizeEmail(raw.Email),
		PAN:          NormalizePAN(raw.PAN),
		BusinessKey:  BusinessKey(raw.Mobile, raw.PAN, raw.Email),
	}
}

// ToOffer maps a validated raw offer and attaches it to customerID. asOf is
// the run's reference time for two-digit years.
func ToOffer(source string, raw RawOfferRecord, customerID string, asOf time.Time) CanonicalOffer {
	product, _ := ParseProductType(raw.OfferType)
	amount, _ := ParseAmount(raw.Amount)
	validUntil, _ := expiryInstant(raw.ExpiryDate, asOf)
	validFrom, _, _ := ParseDate(raw.ValidFrom, asOf)

	offer := CanonicalOffer{
		ProductType:  product,
		Partition:    PartitionOf(product),
		Amount:       amount,
		CampaignRef:  CleanCell(raw.CampaignRef),
		ValidFrom:    validFrom,
		ValidUntil:   validUntil,
		SourceSystem: sourceName(source),
		SourceID:     CleanCell(raw.SourceID),
	}
	return RebindOffer(offer, customerID)
}

// RebindOffer attaches an offer to a different customer id. The dedup key
// and, for offers without a source id, the offer id are derived again.
func RebindOffer(o CanonicalOffer, customerID string) CanonicalOffer {
	o.CustomerID = customerID
	o.DedupKey = OfferDedupKey(customerID, o.CampaignRef, o.Amount)

	name := string(o.Partition) + "/" + o.DedupKey
	if o.SourceID != "" {
		name = o.SourceSystem + "/" + string(o.Partition) + "/" + o.SourceID
	}
	o.ID = uuid.NewSHA1(offerNamespace, []byte(name)).String()
	return o
}

func sourceName(source string) string {
	s := strings.ToLower(CleanCell(source))
	if s == "" {
		return DefaultSource
	}
	return s
}
