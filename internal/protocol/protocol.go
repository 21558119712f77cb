package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// VersionPrefix tags the simulation service version string exchanged in QUERYACCESS.
const VersionPrefix = "SIMULATION/"

// Version is a simulation protocol (major, minor) pair.
type Version struct {
	Major int
	Minor int
}

var (
	// MaxVersion is the highest protocol version this simulator speaks.
	MaxVersion = Version{Major: 0, Minor: 6}
	// MinVersion is the oldest protocol version we still accept.
	MinVersion = Version{Major: 0, Minor: 3}
)

const (
	legacyMaxWearables = 15
	maxWearables       = 16
)

func (v Version) String() string {
	return strconv.Itoa(v.Major) + "." + strconv.Itoa(v.Minor)
}

// Wire renders the version as "SIMULATION/<major>.<minor>".
func (v Version) Wire() string {
	return VersionPrefix + v.String()
}

func (v Version) Less(o Version) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	return v.Minor < o.Minor
}

// Cap lowers v to MaxVersion when a peer reports something newer than we know.
func (v Version) Cap() Version {
	if MaxVersion.Less(v) {
		return MaxVersion
	}
	return v
}

// ParseVersion parses a bare "<major>.<minor>" string.
func ParseVersion(s string) (Version, error) {
	s = strings.TrimSpace(s)
	major, minor, ok := strings.Cut(s, ".")
	if !ok {
		return Version{}, &ProtocolError{Msg: fmt.Sprintf("malformed version %q", s)}
	}
	ma, err := strconv.Atoi(major)
	if err != nil || ma < 0 {
		return Version{}, &ProtocolError{Msg: fmt.Sprintf("malformed version %q", s)}
	}
	mi, err := strconv.Atoi(minor)
	if err != nil || mi < 0 {
		return Version{}, &ProtocolError{Msg: fmt.Sprintf("malformed version %q", s)}
	}
	return Version{Major: ma, Minor: mi}, nil
}

// ParseWireVersion parses "SIMULATION/<major>.<minor>". A missing prefix is a protocol error.
func ParseWireVersion(s string) (Version, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, VersionPrefix) {
		return Version{}, &ProtocolError{Msg: fmt.Sprintf("unexpected version string %q", s)}
	}
	return ParseVersion(strings.TrimPrefix(s, VersionPrefix))
}

// Negotiate picks the highest version inside both our accepted range and the
// peer's supported range. ok is false when the ranges do not overlap.
func Negotiate(peerMin, peerMax Version) (v Version, ok bool) {
	v = peerMax.Cap()
	lo := peerMin
	if lo.Less(MinVersion) {
		lo = MinVersion
	}
	if v.Less(lo) {
		return Version{}, false
	}
	return v, true
}

// MaxWearables is the number of wearable slots a peer at v understands.
func MaxWearables(v Version) int {
	if v.Major == 0 && v.Minor < 4 {
		return legacyMaxWearables
	}
	return maxWearables
}

// Vec3 is a region-local position or direction.
type Vec3 struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	Z float32 `json:"z"`
}

type Quat struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	Z float32 `json:"z"`
	W float32 `json:"w"`
}

// TeleportFlags mirror the viewer's teleport flag bits.
type TeleportFlags uint32

const (
	TeleportDefault         TeleportFlags = 0
	TeleportSetHomeToTarget TeleportFlags = 1 << 0
	TeleportSetLastToTarget TeleportFlags = 1 << 1
	TeleportViaLure         TeleportFlags = 1 << 2
	TeleportViaLandmark     TeleportFlags = 1 << 3
	TeleportViaLocation     TeleportFlags = 1 << 4
	TeleportViaHome         TeleportFlags = 1 << 5
	TeleportViaTelehub      TeleportFlags = 1 << 6
	TeleportViaLogin        TeleportFlags = 1 << 7
	TeleportViaGodlikeLure  TeleportFlags = 1 << 8
	TeleportGodlike         TeleportFlags = 1 << 9
	TeleportDisableCancel   TeleportFlags = 1 << 11
	TeleportViaRegionID     TeleportFlags = 1 << 12
	TeleportIsFlying        TeleportFlags = 1 << 13
	TeleportFinishedViaLure TeleportFlags = 1 << 26
	TeleportViaHGLogin      TeleportFlags = 1 << 30
)

func (f TeleportFlags) Has(flag TeleportFlags) bool {
	return f&flag == flag
}

// RegionHandle packs grid coordinates (in metres) into the 64-bit handle viewers use.
func RegionHandle(x, y uint32) uint64 {
	return uint64(x)<<32 | uint64(y)
}
