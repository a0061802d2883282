package env

import (
	"math"
	"math/rand"
)

const (
	gravity        = 9.81
	massCart       = 1.0
	massPole       = 0.1
	poleLength     = 0.5
	totalMass      = massCart + massPole
	poleMassLength = massPole * poleLength
	forceMax       = 10.0
	tau            = 0.02

	xThreshold     = 2.4
	thetaThreshold = 12.0 * math.Pi / 180.0
	maxSteps       = 500
)

// CartPoleFactory builds classic cart-pole balancing environments.
type CartPoleFactory struct{}

func (CartPoleFactory) Spec() Spec {
	return Spec{ObservationSize: 4, NumActions: 2}
}

func (CartPoleFactory) New(seed int64) Environment {
	return &cartPole{rng: rand.New(rand.NewSource(seed))}
}

type cartPole struct {
	rng      *rand.Rand
	x        float64
	xDot     float64
	theta    float64
	thetaDot float64
	steps    int
}

func (e *cartPole) Reset() []float64 {
	e.x = e.rng.Float64()*0.1 - 0.05
	e.xDot = e.rng.Float64()*0.1 - 0.05
	e.theta = e.rng.Float64()*0.1 - 0.05
	e.thetaDot = e.rng.Float64()*0.1 - 0.05
	e.steps = 0
	return e.observation()
}

func (e *cartPole) Step(action int) ([]float64, float64, bool, Info) {
	force := forceMax
	if action == 0 {
		force = -forceMax
	}

	cosTheta := math.Cos(e.theta)
	sinTheta := math.Sin(e.theta)

	temp := (force + poleMassLength*e.thetaDot*e.thetaDot*sinTheta) / totalMass
	thetaAcc := (gravity*sinTheta - cosTheta*temp) /
		(poleLength * (4.0/3.0 - massPole*cosTheta*cosTheta/totalMass))
	xAcc := temp - poleMassLength*thetaAcc*cosTheta/totalMass

	e.x += tau * e.xDot
	e.xDot += tau * xAcc
	e.theta += tau * e.thetaDot
	e.thetaDot += tau * thetaAcc
	e.steps++

	fell := e.x < -xThreshold || e.x > xThreshold ||
		e.theta < -thetaThreshold || e.theta > thetaThreshold
	done := fell || e.steps >= maxSteps

	reward := 1.0
	if fell {
		reward = 0.0
	}
	return e.observation(), reward, done, Info{RawReward: reward}
}

func (e *cartPole) observation() []float64 {
	return []float64{e.x, e.xDot, e.theta, e.thetaDot}
}
