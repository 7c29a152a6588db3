// Copyright 2025 Certen Protocol
package tree

import (
	"fmt"

	"github.com/certen-labs/merkle-snapshot/pkg/apperr"
	"github.com/certen-labs/merkle-snapshot/pkg/hasher"
)

// Position records which side of the running hash a proof step's sibling
// sits on during verification.
type Position string

const (
	// PositionLeft means the sibling is concatenated before the running hash.
	PositionLeft Position = "left"
	// PositionRight means the sibling is concatenated after the running hash.
	PositionRight Position = "right"
)

// Step is a single sibling hash along the path from a leaf to the root.
type Step struct {
	SiblingHash Hash     `json:"siblingHash"`
	Position    Position `json:"position"`
}

// Proof is the ordered sequence of steps needed to recompute a root from a
// leaf hash.
type Proof []Step

// Proof generates an inclusion proof for target (hashed per mode). It
// returns apperr KindNotFound if target is not among the tree's leaves.
func (t *Tree) Proof(target string, mode Mode) (Proof, error) {
	targetHash, err := hashItem(target, mode)
	if err != nil {
		return nil, err
	}
	return t.ProofForHash(targetHash)
}

// ProofForHash generates an inclusion proof for a leaf already known by its
// hash (used when the caller already computed or stored the hash, e.g. the
// HTTP proof-by-root endpoint).
func (t *Tree) ProofForHash(targetHash Hash) (Proof, error) {
	leaves := t.levels[0]
	index := -1
	for i, leaf := range leaves {
		if leaf.hash == targetHash {
			index = i
			break
		}
	}
	if index == -1 {
		return nil, apperr.New(apperr.KindNotFound, "tree.Proof", fmt.Errorf("leaf %s not found", targetHash))
	}

	var proof Proof
	current := index
	for lvl := 0; lvl < len(t.levels)-1; lvl++ {
		level := t.levels[lvl]
		isRight := current%2 == 1
		siblingIndex := current + 1
		if isRight {
			siblingIndex = current - 1
		}

		var step Step
		if siblingIndex >= 0 && siblingIndex < len(level) {
			step = Step{SiblingHash: level[siblingIndex].hash, Position: positionOf(isRight)}
		} else {
			// Odd tail: the sibling is the duplicate of the current node.
			step = Step{SiblingHash: level[current].hash, Position: positionOf(isRight)}
		}
		proof = append(proof, step)
		current = current / 2
	}

	return proof, nil
}

func positionOf(isRight bool) Position {
	if isRight {
		return PositionLeft
	}
	return PositionRight
}

// Verify recomputes a root hash from target (hashed per mode) and proof,
// returning true iff it equals expectedRoot.
func Verify(target string, mode Mode, proof Proof, expectedRoot Hash) (bool, error) {
	targetHash, err := hashItem(target, mode)
	if err != nil {
		return false, err
	}
	return VerifyHash(targetHash, proof, expectedRoot), nil
}

// VerifyHash recomputes a root hash from a leaf hash and a proof. It is a
// pure function over hex strings and never touches storage.
func VerifyHash(targetHash Hash, proof Proof, expectedRoot Hash) bool {
	current := targetHash
	for _, step := range proof {
		if step.Position == PositionLeft {
			current = hasher.HashBytes([]byte(step.SiblingHash + current))
		} else {
			current = hasher.HashBytes([]byte(current + step.SiblingHash))
		}
	}
	return current == expectedRoot
}
