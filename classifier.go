package rfbiom

import "fmt"

// State is the presence classification of one tick.
type State int

const (
	Vacant State = iota
	MovementDetected
	BiometricActive
)

func (s State) String() string {
	switch s {
	case Vacant:
		return "VACANT"
	case MovementDetected:
		return "MOVEMENT DETECTED"
	case BiometricActive:
		return "BIOMETRIC ACTIVE (static subject)"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Classifier maps a reading to a State. Strict > drives escalation.
type Classifier struct {
	VarianceThreshold float64
	EnergyThreshold   float64
}

func (c Classifier) Classify(r VitalsReading) State {
	if r.Variance <= c.VarianceThreshold {
		return Vacant
	}
	if r.BioEnergy <= c.EnergyThreshold {
		return MovementDetected
	}
	return BiometricActive
}
