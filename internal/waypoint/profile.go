package waypoint

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/golang/geo/r3"
	"gopkg.in/yaml.v3"
)

// ErrConfig marks a malformed or incomplete waypoint profile.
var ErrConfig = errors.New("waypoint config error")

// Waypoint names the sequencing engine looks up.
const (
	Home     = "home"
	Safe     = "safe"
	ToolFlip = "tool.flip"

	PickApproach = "pick.approach"
	PickContact  = "pick.contact"
	PickLeave    = "pick.leave"

	PlaceApproach = "place.approach"
	PlaceExit     = "place.exit"

	FastenTopApproach    = "fasten.top.approach"
	FastenTopInsert      = "fasten.top.insert"
	FastenTopRetract     = "fasten.top.retract"
	FastenBottomApproach = "fasten.bottom.approach"
	FastenBottomInsert   = "fasten.bottom.insert"
	FastenBottomRetract  = "fasten.bottom.retract"

	IdleClearance = "idle.clearance"

	PurgeStart = "purge.start"
	PurgeSweep = "purge.sweep"

	UnloadApproach = "unload.approach"
	UnloadExit     = "unload.exit"

	ResetRetreat = "reset.retreat"
)

// variantWaypoints must exist for both orientations.
var variantWaypoints = []string{PickApproach, PickContact, PickLeave}

// fixedWaypoints must exist for the normal orientation.
var fixedWaypoints = []string{
	Home, Safe, ToolFlip,
	PlaceApproach, PlaceExit,
	FastenTopApproach, FastenTopInsert, FastenTopRetract,
	FastenBottomApproach, FastenBottomInsert, FastenBottomRetract,
	IdleClearance, PurgeStart, PurgeSweep,
	UnloadApproach, UnloadExit, ResetRetreat,
}

//go:embed default_profile.yaml
var defaultProfileYAML []byte

// Offsets holds the per-row joint offset coefficients for each orientation.
// The offset applied to row r is coefficient*r.
type Offsets struct {
	Even JointVector
	Odd  JointVector
}

// Stacking configures a bounded nudge sub-loop.
type Stacking struct {
	Steps int       `yaml:"steps"`
	Nudge r3.Vector `yaml:"nudge"` // mm, relative to the current pose
}

// Channels maps tool functions onto digital output numbers.
type Channels struct {
	VacuumPrimary   int  `yaml:"vacuum_primary"`
	VacuumSecondary int  `yaml:"vacuum_secondary"`
	BlowOff         int  `yaml:"blow_off"`
	Fastener        int  `yaml:"fastener"`
	VacuumActiveLow bool `yaml:"vacuum_active_low"`

	// Slots lists the vacuum channel serving each fixture slot, in slot order
	Slots []int `yaml:"slots"`
}

// Timing holds the physically motivated dwell durations.
type Timing struct {
	GripDwell   time.Duration `yaml:"grip_dwell"`   // vacuum seal
	StepDwell   time.Duration `yaml:"step_dwell"`   // settle between nudges
	FastenDwell time.Duration `yaml:"fasten_dwell"` // fastener cure
	ProcessWait time.Duration `yaml:"process_wait"` // external machining
	ResetDwell  time.Duration `yaml:"reset_dwell"`
}

// Speed is a joint (deg/s) and linear (mm/s) speed pair.
type Speed struct {
	Joint  float64 `yaml:"joint"`
	Linear float64 `yaml:"linear"`
}

// Speeds holds the normal and reduced purge speeds.
type Speeds struct {
	Normal Speed `yaml:"normal"`
	Purge  Speed `yaml:"purge"`
}

// Watchdog bounds how long a motion or a whole phase may take.
type Watchdog struct {
	Motion time.Duration `yaml:"motion"`
	Phase  time.Duration `yaml:"phase"`
}

// Profile is the complete waypoint and timing configuration of one cell.
type Profile struct {
	Name      string
	TrayRows  int
	Slots     int
	SlotPitch r3.Vector
	Offsets   Offsets
	Place     Stacking
	Unload    Stacking
	Channels  Channels
	Timing    Timing
	Speeds    Speeds
	Watchdog  Watchdog

	waypoints map[waypointKey]Waypoint
}

type waypointKey struct {
	name    string
	variant Variant
}

type profileFile struct {
	Name      string    `yaml:"name"`
	TrayRows  int       `yaml:"tray_rows"`
	Slots     int       `yaml:"slots"`
	SlotPitch r3.Vector `yaml:"slot_pitch"`
	Offsets   struct {
		Even []float64 `yaml:"even"`
		Odd  []float64 `yaml:"odd"`
	} `yaml:"offsets"`
	Place     Stacking       `yaml:"place"`
	Unload    Stacking       `yaml:"unload"`
	Channels  Channels       `yaml:"channels"`
	Timing    Timing         `yaml:"timing"`
	Speeds    Speeds         `yaml:"speeds"`
	Watchdog  Watchdog       `yaml:"watchdog"`
	Waypoints []waypointFile `yaml:"waypoints"`
}

type waypointFile struct {
	Name     string     `yaml:"name"`
	Variant  string     `yaml:"variant,omitempty"`
	Joints   []float64  `yaml:"joints,omitempty"`
	Position *r3.Vector `yaml:"position,omitempty"`
	Rotation *r3.Vector `yaml:"rotation,omitempty"`
}

// DefaultProfile returns the built-in profile for the bearing load cell.
func DefaultProfile() (*Profile, error) {
	return ParseProfile(defaultProfileYAML)
}

// LoadProfile reads and validates a profile file. An empty path selects the
// built-in profile.
func LoadProfile(path string) (*Profile, error) {
	if path == "" {
		return DefaultProfile()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read profile: %v", ErrConfig, err)
	}
	return ParseProfile(data)
}

// ParseProfile decodes and validates a YAML profile.
func ParseProfile(data []byte) (*Profile, error) {
	var pf profileFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("%w: parse profile: %v", ErrConfig, err)
	}

	p := &Profile{
		Name:      pf.Name,
		TrayRows:  pf.TrayRows,
		Slots:     pf.Slots,
		SlotPitch: pf.SlotPitch,
		Place:     pf.Place,
		Unload:    pf.Unload,
		Channels:  pf.Channels,
		Timing:    pf.Timing,
		Speeds:    pf.Speeds,
		Watchdog:  pf.Watchdog,
		waypoints: make(map[waypointKey]Waypoint, len(pf.Waypoints)),
	}

	var err error
	if p.Offsets.Even, err = jointVector("offsets.even", pf.Offsets.Even); err != nil {
		return nil, err
	}
	if p.Offsets.Odd, err = jointVector("offsets.odd", pf.Offsets.Odd); err != nil {
		return nil, err
	}

	for _, wf := range pf.Waypoints {
		wp, err := wf.waypoint()
		if err != nil {
			return nil, err
		}
		key := waypointKey{wp.Name, wp.Variant}
		if _, dup := p.waypoints[key]; dup {
			return nil, fmt.Errorf("%w: duplicate waypoint %s (%s)", ErrConfig, wp.Name, wp.Variant)
		}
		p.waypoints[key] = wp
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (wf waypointFile) waypoint() (Waypoint, error) {
	if wf.Name == "" {
		return Waypoint{}, fmt.Errorf("%w: waypoint without name", ErrConfig)
	}
	variant, err := ParseVariant(wf.Variant)
	if err != nil {
		return Waypoint{}, fmt.Errorf("waypoint %s: %w", wf.Name, err)
	}

	hasJoints := len(wf.Joints) > 0
	hasPose := wf.Position != nil
	switch {
	case hasJoints && hasPose:
		return Waypoint{}, fmt.Errorf("%w: waypoint %s has both joints and position", ErrConfig, wf.Name)
	case hasJoints:
		jv, err := jointVector(wf.Name, wf.Joints)
		if err != nil {
			return Waypoint{}, err
		}
		return Joint(wf.Name, variant, jv), nil
	case hasPose:
		pose := Pose{Position: *wf.Position}
		if wf.Rotation != nil {
			pose.Rotation = *wf.Rotation
		}
		wp := Cartesian(wf.Name, pose)
		wp.Variant = variant
		return wp, nil
	default:
		return Waypoint{}, fmt.Errorf("%w: waypoint %s has no target", ErrConfig, wf.Name)
	}
}

func jointVector(name string, values []float64) (JointVector, error) {
	var jv JointVector
	if len(values) != NumJoints {
		return jv, fmt.Errorf("%w: %s needs %d joint values, got %d", ErrConfig, name, NumJoints, len(values))
	}
	copy(jv[:], values)
	return jv, nil
}

// Validate checks that every waypoint the engine needs is present and that
// counts, timings and channels are usable.
func (p *Profile) Validate() error {
	var problems []string
	for _, name := range variantWaypoints {
		for _, v := range []Variant{VariantNormal, VariantFlipped} {
			if _, ok := p.waypoints[waypointKey{name, v}]; !ok {
				problems = append(problems, fmt.Sprintf("missing waypoint %s (%s)", name, v))
			}
		}
	}
	for _, name := range fixedWaypoints {
		if _, ok := p.waypoints[waypointKey{name, VariantNormal}]; !ok {
			problems = append(problems, fmt.Sprintf("missing waypoint %s", name))
		}
	}

	if p.TrayRows <= 0 {
		problems = append(problems, "tray_rows must be positive")
	}
	if p.Slots <= 0 {
		problems = append(problems, "slots must be positive")
	}
	if p.Place.Steps <= 0 || p.Unload.Steps <= 0 {
		problems = append(problems, "place.steps and unload.steps must be positive")
	}
	if len(p.Channels.Slots) != p.Slots {
		problems = append(problems, fmt.Sprintf("channels.slots needs %d entries, got %d", p.Slots, len(p.Channels.Slots)))
	}
	if p.Speeds.Normal.Joint <= 0 || p.Speeds.Normal.Linear <= 0 ||
		p.Speeds.Purge.Joint <= 0 || p.Speeds.Purge.Linear <= 0 {
		problems = append(problems, "speeds must be positive")
	}
	if p.Timing.GripDwell < 0 || p.Timing.StepDwell < 0 || p.Timing.FastenDwell < 0 ||
		p.Timing.ProcessWait < 0 || p.Timing.ResetDwell < 0 {
		problems = append(problems, "timings must not be negative")
	}
	if p.Watchdog.Motion <= 0 {
		problems = append(problems, "watchdog.motion must be positive")
	}
	if p.Watchdog.Phase <= p.longestDwell() {
		problems = append(problems, fmt.Sprintf("watchdog.phase (%s) must exceed the longest dwell (%s)", p.Watchdog.Phase, p.longestDwell()))
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("%w: %v", ErrConfig, problems)
	}
	return nil
}

func (p *Profile) longestDwell() time.Duration {
	longest := p.Timing.GripDwell
	for _, d := range []time.Duration{p.Timing.StepDwell, p.Timing.FastenDwell, p.Timing.ProcessWait, p.Timing.ResetDwell} {
		if d > longest {
			longest = d
		}
	}
	return longest
}

// Waypoint returns the named target for the given orientation. Waypoints
// taught only for the normal orientation are returned for either variant.
func (p *Profile) Waypoint(name string, variant Variant) (Waypoint, error) {
	if wp, ok := p.waypoints[waypointKey{name, variant}]; ok {
		return wp, nil
	}
	if wp, ok := p.waypoints[waypointKey{name, VariantNormal}]; ok {
		return wp, nil
	}
	return Waypoint{}, fmt.Errorf("%w: unknown waypoint %s (%s)", ErrConfig, name, variant)
}

// Waypoints returns every waypoint sorted by name and variant.
func (p *Profile) Waypoints() []Waypoint {
	out := make([]Waypoint, 0, len(p.waypoints))
	for _, wp := range p.waypoints {
		out = append(out, wp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Variant < out[j].Variant
	})
	return out
}

// Offset returns the joint offset for a tray row and pick orientation.
func (p *Profile) Offset(row int, odd bool) JointVector {
	if odd {
		return p.Offsets.Odd.Scale(float64(row))
	}
	return p.Offsets.Even.Scale(float64(row))
}

// OffsetTable expands the offset formula into one entry per tray row.
func (p *Profile) OffsetTable(odd bool) []JointVector {
	table := make([]JointVector, p.TrayRows)
	for row := range table {
		table[row] = p.Offset(row, odd)
	}
	return table
}

// SlotOffset returns the Cartesian shift for a fixture slot.
func (p *Profile) SlotOffset(slot int) r3.Vector {
	return p.SlotPitch.Mul(float64(slot))
}

// SlotChannel returns the vacuum channel serving a fixture slot.
func (p *Profile) SlotChannel(slot int) int {
	if slot < 0 || slot >= len(p.Channels.Slots) {
		return p.Channels.VacuumPrimary
	}
	return p.Channels.Slots[slot]
}

// GripChannel returns the vacuum channel facing the tray for an orientation.
func (p *Profile) GripChannel(variant Variant) int {
	if variant == VariantFlipped {
		return p.Channels.VacuumSecondary
	}
	return p.Channels.VacuumPrimary
}

// VacuumLevel converts a logical vacuum state into the electrical output level.
func (p *Profile) VacuumLevel(on bool) bool {
	if p.Channels.VacuumActiveLow {
		return !on
	}
	return on
}
