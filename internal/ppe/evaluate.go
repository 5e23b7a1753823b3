package ppe

import (
	"github.com/technosupport/ppe-sentinel/internal/detect"
	"github.com/technosupport/ppe-sentinel/internal/track"
)

// Status classifies one worker on one frame.
type Status int

const (
	StatusUnknown Status = iota // partial visibility, never persisted
	StatusCompliant
	StatusViolation
)

// ViolationKind names the missing PPE for a violating worker.
type ViolationKind string

const (
	MissingHardhat ViolationKind = "Missing Hardhat"
	MissingVest    ViolationKind = "Missing Safety Vest"
	MissingBoth    ViolationKind = "Missing Hardhat and Safety Vest"
)

// Evaluation is the per-worker outcome of one frame.
type Evaluation struct {
	WorkerID int
	BBox     detect.BBox

	Hardhat   bool
	NoHardhat bool
	Vest      bool
	NoVest    bool

	Status Status
	Kind   ViolationKind // set only when Status == StatusViolation
}

// Aggregate summarises one frame for subscribers.
type Aggregate struct {
	TotalWorkers    int
	CompliantCount  int
	ViolationCount  int
	UnknownCount    int
	TotalViolations int // missing items summed across workers
	SafetyStatus    string
}

// Evaluate attributes PPE boxes to tracked workers by overlap and
// classifies each worker. A PPE box goes to the person whose box covers
// the largest share of it, provided that share is at least overlapThreshold.
func Evaluate(workers []track.TrackedPerson, boxes []detect.Box, overlapThreshold float64) []Evaluation {
	evals := make([]Evaluation, len(workers))
	for i, w := range workers {
		evals[i] = Evaluation{WorkerID: w.WorkerID, BBox: w.BBox}
	}

	for _, box := range boxes {
		if box.Class == detect.ClassPerson {
			continue
		}
		area := box.BBox.Area()
		if area <= 0 {
			continue
		}

		bestIdx := -1
		bestOverlap := 0.0
		for i, w := range workers {
			overlap := box.BBox.Intersection(w.BBox) / area
			if overlap >= overlapThreshold && overlap > bestOverlap {
				bestIdx = i
				bestOverlap = overlap
			}
		}
		if bestIdx < 0 {
			continue
		}

		switch box.Class {
		case detect.ClassHardhat:
			evals[bestIdx].Hardhat = true
		case detect.ClassNoHardhat:
			evals[bestIdx].NoHardhat = true
		case detect.ClassVest:
			evals[bestIdx].Vest = true
		case detect.ClassNoVest:
			evals[bestIdx].NoVest = true
		}
	}

	for i := range evals {
		evals[i].Status, evals[i].Kind = classify(evals[i])
	}
	return evals
}

// classify applies the compliance rules. Explicit negative evidence wins;
// otherwise a region is judged only when it was observed at all, and a
// worker with neither region visible stays Unknown.
func classify(e Evaluation) (Status, ViolationKind) {
	switch {
	case e.NoHardhat && e.NoVest:
		return StatusViolation, MissingBoth
	case e.NoHardhat:
		return StatusViolation, MissingHardhat
	case e.NoVest:
		return StatusViolation, MissingVest
	}

	headSeen := e.Hardhat || e.NoHardhat
	bodySeen := e.Vest || e.NoVest

	switch {
	case headSeen && bodySeen:
		if e.Hardhat && e.Vest {
			return StatusCompliant, ""
		}
		// Negative flags were excluded above, so exactly one positive
		// flag is missing here.
		if !e.Hardhat {
			return StatusViolation, MissingHardhat
		}
		return StatusViolation, MissingVest
	case headSeen:
		if e.Hardhat {
			return StatusCompliant, ""
		}
		return StatusViolation, MissingHardhat
	case bodySeen:
		if e.Vest {
			return StatusCompliant, ""
		}
		return StatusViolation, MissingVest
	}
	return StatusUnknown, ""
}

// Summarize builds the frame aggregate broadcast with every frame message.
func Summarize(evals []Evaluation) Aggregate {
	agg := Aggregate{TotalWorkers: len(evals)}
	for _, e := range evals {
		switch e.Status {
		case StatusCompliant:
			agg.CompliantCount++
		case StatusViolation:
			agg.ViolationCount++
			switch e.Kind {
			case MissingBoth:
				agg.TotalViolations += 2
			default:
				agg.TotalViolations++
			}
		default:
			agg.UnknownCount++
		}
	}

	switch {
	case agg.TotalWorkers == 0:
		agg.SafetyStatus = "No Workers Detected"
	case agg.ViolationCount > 0:
		agg.SafetyStatus = "Not Safely Attired"
	case agg.UnknownCount == agg.TotalWorkers:
		agg.SafetyStatus = "Workers Partially Visible"
	default:
		agg.SafetyStatus = "Safely Attired"
	}
	return agg
}
