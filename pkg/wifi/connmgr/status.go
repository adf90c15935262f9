package connmgr

import "github.com/loopholelabs/wispi/pkg/wifi/ipc/packets"

// Status is the link state reported by the peer. Station states are ordered
// None < StationDown < StationUp < StationGotIP and the access point states
// APDown < APUp form their own family.
type Status uint8

const (
	StatusNone = Status(iota)
	StatusStationDown
	StatusStationUp
	StatusStationGotIP
	StatusAPDown
	StatusAPUp
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusStationDown:
		return "station-down"
	case StatusStationUp:
		return "station-up"
	case StatusStationGotIP:
		return "station-got-ip"
	case StatusAPDown:
		return "ap-down"
	case StatusAPUp:
		return "ap-up"
	}
	return "unknown"
}

func (s Status) isAP() bool {
	return s == StatusAPDown || s == StatusAPUp
}

// AtLeast compares s and target inside target's family. None is below
// everything, and nothing is ever at least a state of the other family.
func (s Status) AtLeast(target Status) bool {
	if target == StatusNone {
		return true
	}
	if s == StatusNone || s.isAP() != target.isAP() {
		return false
	}
	return s >= target
}

func statusFromLink(link uint32) (Status, bool) {
	switch link {
	case packets.LinkNone:
		return StatusNone, true
	case packets.LinkStationDown:
		return StatusStationDown, true
	case packets.LinkStationUp:
		return StatusStationUp, true
	case packets.LinkStationIP:
		return StatusStationGotIP, true
	case packets.LinkAPDown:
		return StatusAPDown, true
	case packets.LinkAPUp:
		return StatusAPUp, true
	}
	return StatusNone, false
}
