package models

import (
	"fmt"
	"strconv"
	"strings"
)

// Purpose is the declared effect of a checkout, read from session metadata
type Purpose string

const (
	PurposeContent     Purpose = "content"
	PurposeBundleSlots Purpose = "bundle_slots"
)

// Checkout session metadata keys
const (
	MetaPurpose        = "purpose"
	MetaBuyerUID       = "buyer_uid"
	MetaBuyerEmail     = "buyer_email"
	MetaAnonymousToken = "anon_token"
	MetaTargetID       = "target_id"
	MetaCreatorID      = "creator_id"
	MetaTier           = "tier"
	MetaSlots          = "slots"
	MetaItemCount      = "item_count"
)

// SlotTiers maps a bundle-slot tier to the number of slots it grants
var SlotTiers = map[string]int{
	"starter": 1,
	"creator": 5,
	"studio":  20,
}

// SlotTierPrices is the price of each tier in the smallest unit of SlotCurrency
var SlotTierPrices = map[string]int64{
	"starter": 500,
	"creator": 2000,
	"studio":  6000,
}

// SlotCurrency is the currency bundle slots are sold in
const SlotCurrency = "usd"

// ParsePurpose reads the purpose tag. Sessions created before the tag existed carry
// none and are content purchases.
func ParsePurpose(raw string) (Purpose, error) {
	switch Purpose(strings.ToLower(strings.TrimSpace(raw))) {
	case "", PurposeContent:
		return PurposeContent, nil
	case PurposeBundleSlots, "bundle_slot", "slots":
		return PurposeBundleSlots, nil
	default:
		return "", fmt.Errorf("unknown purchase purpose %q", raw)
	}
}

// Intent is the closed set of purchase effects. Each concrete intent dispatches
// to exactly one IntentHandler method.
type Intent interface {
	Purpose() Purpose
	Accept(h IntentHandler) error
}

// IntentHandler must handle every intent. Adding an intent adds a method here.
type IntentHandler interface {
	HandleContent(ContentIntent) error
	HandleBundleSlots(SlotIntent) error
}

// ContentIntent unlocks a content item or bundle for the buyer
type ContentIntent struct {
	TargetID  string
	CreatorID string
	ItemCount int
}

func (ContentIntent) Purpose() Purpose { return PurposeContent }

func (i ContentIntent) Accept(h IntentHandler) error { return h.HandleContent(i) }

// SlotIntent raises the buyer's bundle-slot quota
type SlotIntent struct {
	Tier  string
	Slots int
}

func (SlotIntent) Purpose() Purpose { return PurposeBundleSlots }

func (i SlotIntent) Accept(h IntentHandler) error { return h.HandleBundleSlots(i) }

// IntentFromMetadata builds the intent declared by checkout session metadata
func IntentFromMetadata(meta map[string]string) (Intent, error) {
	purpose, err := ParsePurpose(meta[MetaPurpose])
	if err != nil {
		return nil, err
	}

	switch purpose {
	case PurposeContent:
		targetID := strings.TrimSpace(meta[MetaTargetID])
		if targetID == "" {
			return nil, fmt.Errorf("content purchase without %s", MetaTargetID)
		}
		items, _ := strconv.Atoi(meta[MetaItemCount])
		return ContentIntent{
			TargetID:  targetID,
			CreatorID: strings.TrimSpace(meta[MetaCreatorID]),
			ItemCount: items,
		}, nil

	case PurposeBundleSlots:
		tier := strings.ToLower(strings.TrimSpace(meta[MetaTier]))
		slots, ok := SlotTiers[tier]
		if !ok {
			slots, _ = strconv.Atoi(meta[MetaSlots])
		}
		if slots <= 0 {
			return nil, fmt.Errorf("bundle slot purchase without a valid tier or slot count (tier=%q)", tier)
		}
		return SlotIntent{Tier: tier, Slots: slots}, nil
	}

	return nil, fmt.Errorf("unhandled purchase purpose %q", purpose)
}
