package planner

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// History is the view of the run ledger the planner needs to pick the next bundle.
type History interface {
	// Committed reports whether the bundle's latest completed forward or
	// reverse run is a forward run.
	Committed(bundleID string) bool
	// AwaitingAck returns a destructive bundle that failed and has not been
	// acknowledged by an operator.
	AwaitingAck() (bundleID string, ok bool)
}

// ErrBlocked is returned by Next when no bundle may run until an operator acts.
var ErrBlocked = errors.New("plan is blocked")

// Next returns the first bundle in id order that is not committed and whose
// dependencies are all committed. It returns nil when every bundle is committed.
func Next(plan *Plan, history History) (*Bundle, error) {
	if id, ok := history.AwaitingAck(); ok {
		return nil, fmt.Errorf("%w: destructive bundle %s failed part way and needs manual inspection; run `consolidate ack %s` once resolved", ErrBlocked, id, id)
	}

	for _, b := range plan.Bundles {
		if history.Committed(b.ID) {
			continue
		}
		for _, dep := range b.DependsOn {
			if !history.Committed(dep) {
				return nil, fmt.Errorf("%w: %s depends on %s, which is not committed", ErrBlocked, b.ID, dep)
			}
		}
		return b, nil
	}
	return nil, nil
}

// Pending returns every bundle that is not committed, in plan order.
func Pending(plan *Plan, history History) []*Bundle {
	var out []*Bundle
	for _, b := range plan.Bundles {
		if !history.Committed(b.ID) {
			out = append(out, b)
		}
	}
	return out
}

// Checksum returns the SHA-256 of the bundle's canonical JSON form, ignoring
// the Checksum field itself.
func Checksum(b *Bundle) (string, error) {
	clone := *b
	clone.Checksum = ""
	data, err := json.Marshal(&clone)
	if err != nil {
		return "", fmt.Errorf("failed to marshal bundle %s: %w", b.ID, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Seal computes and stores the checksum of every bundle and the plan hash.
func Seal(plan *Plan) error {
	h := sha256.New()
	for _, b := range plan.Bundles {
		sum, err := Checksum(b)
		if err != nil {
			return err
		}
		b.Checksum = sum
		h.Write([]byte(sum))
	}
	plan.SourceHash = hex.EncodeToString(h.Sum(nil))
	return nil
}

// Drift describes a committed bundle whose definition changed after it ran.
type Drift struct {
	BundleID string
	Recorded string
	Current  string
}

// DetectDrift compares the checksums recorded at commit time with the plan.
func DetectDrift(plan *Plan, recorded map[string]string) []Drift {
	var out []Drift
	for _, b := range plan.Bundles {
		sum, ok := recorded[b.ID]
		if !ok || sum == "" || sum == b.Checksum {
			continue
		}
		out = append(out, Drift{BundleID: b.ID, Recorded: sum, Current: b.Checksum})
	}
	return out
}
