// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package cleanse

import (
	"github.com/juju/errors"
)

// Issue codes raised by the built-in rules.
const (
	CodeHoldingNotInSam = "CTS_HOLDING_NOT_IN_SAM"
	CodeHoldingNoHerd   = "SAM_HOLDING_NO_HERD"
	CodeHoldingNoParty  = "SAM_HOLDING_NO_PARTY"
	CodePartyNoEmail    = "SAM_PARTY_NO_EMAIL"
)

// Dataset collections the rules read.
const (
	holdingsCollection    = "cts_holdings"
	samHoldingsCollection = "sam_holdings"
	samHerdsCollection    = "sam_herds"
	samPartiesCollection  = "sam_parties"
	partyEmailsCollection = "sam_party_emails"
)

// BuiltInRules returns the standard pipeline: the holding lookup gates the
// rest, herd/party/email checks run independently of each other.
func BuiltInRules() []Rule {
	return []Rule{
		samLookupRule{},
		herdLookupRule{},
		partyLookupRule{},
		emailCheckRule{},
	}
}

// samLookupRule checks that a traced holding has a counterpart in the
// holdings register, enriching the carrier with it for the later rules.
// Without a counterpart nothing downstream can be checked, so it stops the
// pipeline on a finding.
type samLookupRule struct{}

func (samLookupRule) Code() string               { return CodeHoldingNotInSam }
func (samLookupRule) Continuation() Continuation { return StopOnIssue }

func (r samLookupRule) Evaluate(actx *AnalysisContext, input *HoldingInput) (*Finding, error) {
	doc, ok, err := actx.RunOne(Query{
		Collection: samHoldingsCollection,
		Filter:     And(Live(), Eq("CPH", input.CPH)),
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	if !ok {
		return newFinding("SAM-LOOKUP", CodeHoldingNotInSam, input, map[string]string{
			"cph": input.CPH,
		}), nil
	}
	input.SamHolding = doc
	return nil, nil
}

// herdLookupRule checks that the holding has at least one registered herd.
type herdLookupRule struct{}

func (herdLookupRule) Code() string               { return CodeHoldingNoHerd }
func (herdLookupRule) Continuation() Continuation { return ContinueAlways }

func (r herdLookupRule) Evaluate(actx *AnalysisContext, input *HoldingInput) (*Finding, error) {
	_, ok, err := actx.RunOne(Query{
		Collection: samHerdsCollection,
		Filter:     And(Live(), Eq("CPH", input.CPH)),
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	if ok {
		return nil, nil
	}
	return newFinding("HERD-LOOKUP", CodeHoldingNoHerd, input, map[string]string{
		"cph": input.CPH,
	}), nil
}

// partyLookupRule checks that the holding's responsible party exists,
// enriching the carrier with it for the email check.
type partyLookupRule struct{}

func (partyLookupRule) Code() string               { return CodeHoldingNoParty }
func (partyLookupRule) Continuation() Continuation { return ContinueAlways }

func (r partyLookupRule) Evaluate(actx *AnalysisContext, input *HoldingInput) (*Finding, error) {
	partyID := FirstString(input.SamHolding, "PARTY_ID")
	if partyID != "" {
		doc, ok, err := actx.RunOne(Query{
			Collection: samPartiesCollection,
			Filter:     And(Live(), Eq("PARTY_ID", partyID)),
		})
		if err != nil {
			return nil, errors.Trace(err)
		}
		if ok {
			input.Party = doc
			return nil, nil
		}
	}
	return newFinding("PARTY-LOOKUP", CodeHoldingNoParty, input, map[string]string{
		"cph":     input.CPH,
		"partyId": partyID,
	}), nil
}

// emailCheckRule checks that the responsible party has a contact email.
// Without party enrichment there is nothing to check; the party rule has
// already raised its own finding for that case.
type emailCheckRule struct{}

func (emailCheckRule) Code() string               { return CodePartyNoEmail }
func (emailCheckRule) Continuation() Continuation { return ContinueAlways }

func (r emailCheckRule) Evaluate(actx *AnalysisContext, input *HoldingInput) (*Finding, error) {
	if input.Party == nil {
		return nil, nil
	}
	partyID := FirstString(input.Party, "PARTY_ID")
	_, ok, err := actx.RunOne(Query{
		Collection: partyEmailsCollection,
		Filter: And(
			Live(),
			Eq("PARTY_ID", partyID),
			Not(Empty("EMAIL_ADDRESS")),
		),
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	if ok {
		return nil, nil
	}
	return newFinding("EMAIL-CHECK", CodePartyNoEmail, input, map[string]string{
		"cph":     input.CPH,
		"partyId": partyID,
	}), nil
}
