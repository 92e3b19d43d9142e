// Package lifecycle defines the device lifecycle state machine.
//
// Every lifecycle_state write the pipeline makes goes through Transition, which only
// allows forward moves along the transition rules, same-state replays and the move to error.
package lifecycle

import (
	"fmt"

	sw "github.com/filanov/stateswitch"
	"github.com/metal-toolbox/bmpipe/internal/model"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

const (
	Discover       sw.TransitionType = "discover"
	ArmBoot        sw.TransitionType = "armBoot"
	Validate       sw.TransitionType = "validate"
	BeginHardening sw.TransitionType = "beginHardening"
	Stage          sw.TransitionType = "stage"
	Release        sw.TransitionType = "release"
	Fail           sw.TransitionType = "fail"
)

var (
	// ErrTransition is returned when the device state does not allow the transition.
	ErrTransition = errors.New("lifecycle transition not allowed")

	// ErrStale is returned when the device is already past the transition destination,
	// the event that triggered the transition is outdated.
	ErrStale = errors.New("device lifecycle is past the transition destination")

	// ErrDeviceInError is returned for any transition other than Fail on a device in the error state.
	ErrDeviceInError = errors.New("device is in the error state")
)

var ranks = map[model.LifecycleState]int{
	model.StateOffline:    0,
	model.StatePlanned:    1,
	model.StateDiscovered: 1,
	model.StateValidating: 2,
	model.StateValidated:  3,
	model.StateHardening:  4,
	model.StateStaged:     5,
	model.StateReady:      6,
	model.StateMonitored:  6,
}

// Rank orders lifecycle states, a device never moves to a lower ranked state.
//
// An unset lifecycle_state ranks as offline, the error state ranks -1.
func Rank(s model.LifecycleState) int {
	if s == model.StateError {
		return -1
	}

	if s == model.StateUnspecified {
		return 0
	}

	r, ok := ranks[s]
	if !ok {
		return -1
	}

	return r
}

type rule struct {
	transition  sw.TransitionType
	sources     []model.LifecycleState
	destination model.LifecycleState
	doc         string
}

var rules = []rule{
	{
		transition:  Discover,
		sources:     []model.LifecycleState{model.StateUnspecified, model.StateOffline, model.StatePlanned, model.StateDiscovered},
		destination: model.StateDiscovered,
		doc:         "A BMC DHCP lease resolved to the device and the address was assigned.",
	},
	{
		transition:  ArmBoot,
		sources:     []model.LifecycleState{model.StatePlanned, model.StateDiscovered, model.StateValidating},
		destination: model.StateValidating,
		doc:         "A one-time network boot was set and the device was powered on or restarted.",
	},
	{
		transition:  Validate,
		sources:     []model.LifecycleState{model.StateValidating, model.StateValidated},
		destination: model.StateValidated,
		doc:         "The booted device reported its hardware and interface facts.",
	},
	{
		transition:  BeginHardening,
		sources:     []model.LifecycleState{model.StateValidated, model.StateHardening},
		destination: model.StateHardening,
		doc:         "The configuration hardening run is about to start.",
	},
	{
		transition:  Stage,
		sources:     []model.LifecycleState{model.StateHardening, model.StateStaged},
		destination: model.StateStaged,
		doc:         "The configuration hardening run succeeded.",
	},
	{
		transition:  Release,
		sources:     []model.LifecycleState{model.StateStaged, model.StateReady},
		destination: model.StateReady,
		doc:         "A tenant was assigned to the device, this transition is made outside of the pipeline.",
	},
	{
		transition: Fail,
		sources: []model.LifecycleState{
			model.StateUnspecified,
			model.StateOffline,
			model.StatePlanned,
			model.StateDiscovered,
			model.StateValidating,
			model.StateValidated,
			model.StateHardening,
			model.StateStaged,
			model.StateReady,
			model.StateMonitored,
		},
		destination: model.StateError,
		doc:         "A stage could not complete, operator intervention is required.",
	},
}

var stateDocs = map[model.LifecycleState]string{
	model.StateOffline:    "Initial state, the device has not been seen on the network.",
	model.StatePlanned:    "The device is racked and expected on the network.",
	model.StateDiscovered: "The BMC requested an address and was matched to the device.",
	model.StateValidating: "The device is network booting the validation image.",
	model.StateValidated:  "The validation image reported back.",
	model.StateHardening:  "The configuration hardening run is in progress or stalled.",
	model.StateStaged:     "Hardened and waiting for a tenant.",
	model.StateReady:      "Assigned to a tenant and monitored.",
	model.StateMonitored:  "Annotation of a ready device that was polled by monitoring.",
	model.StateError:      "Requires operator intervention.",
}

var machine = newMachine()

func toStates(in []model.LifecycleState) sw.States {
	states := make(sw.States, 0, len(in))
	for _, s := range in {
		states = append(states, sw.State(s))
	}

	return states
}

func newMachine() sw.StateMachine {
	m := sw.NewStateMachine()

	for _, r := range rules {
		m.AddTransition(sw.TransitionRule{
			TransitionType:   r.transition,
			SourceStates:     toStates(r.sources),
			DestinationState: sw.State(r.destination),
		})

		m.DescribeTransitionType(r.transition, sw.TransitionTypeDoc{Name: string(r.transition), Description: r.doc})
	}

	for state, doc := range stateDocs {
		m.DescribeState(sw.State(state), sw.StateDoc{Name: string(state), Description: doc})
	}

	return m
}

// Destination returns the state a transition moves a device to.
func Destination(t sw.TransitionType) (model.LifecycleState, bool) {
	for _, r := range rules {
		if r.transition == t {
			return r.destination, true
		}
	}

	return model.StateUnspecified, false
}

// Check returns nil when the transition is allowed from the current state.
//
// The device is not modified.
func Check(current model.LifecycleState, t sw.TransitionType) error {
	dst, ok := Destination(t)
	if !ok {
		return errors.Wrap(ErrTransition, "unknown transition: "+string(t))
	}

	if current == model.StateError {
		if t == Fail {
			return nil
		}

		return errors.Wrap(ErrDeviceInError, string(t))
	}

	for _, r := range rules {
		if r.transition == t && slices.Contains(r.sources, current) {
			return nil
		}
	}

	if dst != model.StateError && Rank(current) > Rank(dst) {
		return errors.Wrap(
			ErrStale,
			fmt.Sprintf("transition '%s' to '%s', current state '%s'", t, dst, current),
		)
	}

	return errors.Wrap(
		ErrTransition,
		fmt.Sprintf("no transition rule found for transition type '%s' and state '%s'", t, current),
	)
}

// Transition runs the transition on the device, setting its lifecycle state on success.
//
// The returned bool is true when the lifecycle state changed.
func Transition(device *model.Device, t sw.TransitionType) (bool, error) {
	if err := Check(device.Lifecycle, t); err != nil {
		return false, err
	}

	before := device.Lifecycle
	if before == model.StateError {
		return false, nil
	}

	if err := machine.Run(t, device, nil); err != nil {
		if errors.Is(err, sw.NoConditionPassedToRunTransaction) {
			return false, errors.Wrap(ErrTransition, err.Error())
		}

		return false, err
	}

	return before != device.Lifecycle, nil
}

// DescribeAsJSON returns a JSON document describing the lifecycle state machine.
func DescribeAsJSON() ([]byte, error) {
	return machine.AsJSON()
}
