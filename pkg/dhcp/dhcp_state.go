package dhcp

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// State is the client state of RFC 2131 figure 5 as inferred from the
// traffic seen on the wire.
type State int

const (
	StateInit State = iota
	StateSelecting
	StateRequesting
	StateBound
	StateRenewing
	StateRebinding
	// StateInitReboot and StateRebooting exist in the client model but no
	// observed message leads into them.
	StateInitReboot
	StateRebooting
)

var stateNames = [...]string{
	StateInit:       "INIT",
	StateSelecting:  "SELECTING",
	StateRequesting: "REQUESTING",
	StateBound:      "BOUND",
	StateRenewing:   "RENEWING",
	StateRebinding:  "REBINDING",
	StateInitReboot: "INIT-REBOOT",
	StateRebooting:  "REBOOTING",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for i, n := range stateNames {
		if n == name {
			*s = State(i)
			return nil
		}
	}
	return errors.Errorf("unknown state %q", name)
}

// ChooseInitialState guesses where a client is from a single message. It
// is used whenever the start of an exchange may not have been captured.
func ChooseInitialState(m *Parsed) State {
	switch m.MsgType {
	case DHCPDiscover, DHCPOffer:
		return StateSelecting
	case DHCPRequest:
		return StateRequesting
	case DHCPAck:
		if m.Yiaddr.IsValid() && !m.Yiaddr.IsUnspecified() {
			return StateBound
		}
		// An ack without an address answers an inform.
		return StateInit
	case DHCPForceRenew:
		return StateRenewing
	default:
		return StateInit
	}
}

type transition func(m *Parsed) State

var transitions = map[State]transition{
	StateInit: func(m *Parsed) State {
		if m.MsgType == DHCPDiscover {
			return StateSelecting
		}
		return ChooseInitialState(m)
	},
	StateSelecting: func(m *Parsed) State {
		switch m.MsgType {
		case DHCPOffer:
			return StateSelecting
		case DHCPRequest:
			return StateRequesting
		}
		return ChooseInitialState(m)
	},
	StateRequesting: func(m *Parsed) State {
		switch m.MsgType {
		case DHCPOffer:
			return StateRequesting
		case DHCPAck:
			return StateBound
		}
		return ChooseInitialState(m)
	},
	StateBound: func(m *Parsed) State {
		switch m.MsgType {
		case DHCPDecline:
			return StateInit
		case DHCPOffer, DHCPAck, DHCPNak:
			return StateBound
		case DHCPRequest:
			return StateRenewing
		}
		return ChooseInitialState(m)
	},
	StateRenewing: func(m *Parsed) State {
		switch m.MsgType {
		case DHCPAck:
			return StateBound
		case DHCPRequest:
			return StateRebinding
		case DHCPNak:
			return StateInit
		}
		return ChooseInitialState(m)
	},
	StateRebinding: func(m *Parsed) State {
		switch m.MsgType {
		case DHCPAck:
			return StateBound
		case DHCPNak:
			return StateInit
		}
		return ChooseInitialState(m)
	},
}

// NextState returns the state a client in cur moves to after m. Messages
// without a recognised type fail with ErrNoMessageType; states without a
// table entry are left unchanged.
func NextState(cur State, m *Parsed) (State, error) {
	if !m.MsgType.Valid() {
		return cur, ErrNoMessageType
	}
	fn, ok := transitions[cur]
	if !ok {
		return cur, errors.Errorf("no transitions from state %s", cur)
	}
	return fn(m), nil
}
