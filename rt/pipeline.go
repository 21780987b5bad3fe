// Package rt implements the ray tracing pipeline manager and the shader
// binding table it feeds: shader group layout per pipeline configuration,
// group handle generation, pipeline lifecycle (create, activate, rebuild)
// and the packed push-constant block shared with the shaders.
package rt

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/realDqt/govray/device"
	"github.com/realDqt/govray/log"
)

// Shader stage kinds.
type StageKind uint8

const (
	StageRaygen StageKind = iota
	StageMiss
	StageClosestHit
	StageAnyHit
	StageIntersection
	StageCallable
)

func (k StageKind) String() string {
	switch k {
	case StageRaygen:
		return "raygen"
	case StageMiss:
		return "miss"
	case StageClosestHit:
		return "closest-hit"
	case StageAnyHit:
		return "any-hit"
	case StageIntersection:
		return "intersection"
	case StageCallable:
		return "callable"
	}
	return fmt.Sprintf("stage(%d)", uint8(k))
}

// ShaderStage is a compiled shader module attached to the pipeline.
type ShaderStage struct {
	Kind StageKind
	Name string
	Blob []byte
}

// ShaderUnused marks an absent stage slot in a shader group.
const ShaderUnused = -1

// Shader group kinds.
type GroupKind uint8

const (
	// GroupGeneral wraps a raygen, miss or callable stage.
	GroupGeneral GroupKind = iota

	// GroupTriangles wraps closest-hit plus optional any-hit.
	GroupTriangles

	// GroupProcedural wraps an intersection stage plus closest-hit and
	// optional any-hit.
	GroupProcedural
)

// ShaderGroup maps a shader binding table record to pipeline stage indices.
// The group order defines the record order within each table region.
type ShaderGroup struct {
	Kind         GroupKind
	General      int
	ClosestHit   int
	AnyHit       int
	Intersection int
}

// Config selects one of the supported pipeline configurations. The set is
// closed: each configuration maps to a fixed stage and group list.
type Config uint8

const (
	// ConfigBasic traces opaque triangles with a single hit group.
	ConfigBasic Config = iota

	// ConfigAnyHit adds an any-hit stage to the triangle hit group.
	ConfigAnyHit

	// ConfigProcedural adds a second hit group with an intersection stage
	// for aabb geometry.
	ConfigProcedural

	// ConfigCallable adds a callable group for material dispatch.
	ConfigCallable

	// ConfigReorderable requests invocation reordering; the group layout
	// matches ConfigBasic.
	ConfigReorderable
)

func (c Config) String() string {
	switch c {
	case ConfigBasic:
		return "basic"
	case ConfigAnyHit:
		return "anyhit"
	case ConfigProcedural:
		return "procedural"
	case ConfigCallable:
		return "callable"
	case ConfigReorderable:
		return "reorderable"
	}
	return fmt.Sprintf("config(%d)", uint8(c))
}

// stageNames returns the shader names each configuration assembles, in
// pipeline stage order.
func (c Config) stageNames() []stageRef {
	switch c {
	case ConfigBasic, ConfigReorderable:
		return []stageRef{
			{StageRaygen, "raygen"},
			{StageMiss, "miss"},
			{StageClosestHit, "closesthit"},
		}
	case ConfigAnyHit:
		return []stageRef{
			{StageRaygen, "raygen"},
			{StageMiss, "miss"},
			{StageClosestHit, "closesthit"},
			{StageAnyHit, "anyhit"},
		}
	case ConfigProcedural:
		return []stageRef{
			{StageRaygen, "raygen"},
			{StageMiss, "miss"},
			{StageClosestHit, "closesthit"},
			{StageClosestHit, "closesthit_procedural"},
			{StageIntersection, "intersection"},
		}
	case ConfigCallable:
		return []stageRef{
			{StageRaygen, "raygen"},
			{StageMiss, "miss"},
			{StageClosestHit, "closesthit"},
			{StageCallable, "callable"},
		}
	}
	return nil
}

type stageRef struct {
	kind StageKind
	name string
}

// groups returns the shader group list for the configuration. Stage indices
// refer to the order returned by stageNames.
func (c Config) groups() []ShaderGroup {
	switch c {
	case ConfigBasic, ConfigReorderable:
		return []ShaderGroup{
			{Kind: GroupGeneral, General: 0, ClosestHit: ShaderUnused, AnyHit: ShaderUnused, Intersection: ShaderUnused},
			{Kind: GroupGeneral, General: 1, ClosestHit: ShaderUnused, AnyHit: ShaderUnused, Intersection: ShaderUnused},
			{Kind: GroupTriangles, General: ShaderUnused, ClosestHit: 2, AnyHit: ShaderUnused, Intersection: ShaderUnused},
		}
	case ConfigAnyHit:
		return []ShaderGroup{
			{Kind: GroupGeneral, General: 0, ClosestHit: ShaderUnused, AnyHit: ShaderUnused, Intersection: ShaderUnused},
			{Kind: GroupGeneral, General: 1, ClosestHit: ShaderUnused, AnyHit: ShaderUnused, Intersection: ShaderUnused},
			{Kind: GroupTriangles, General: ShaderUnused, ClosestHit: 2, AnyHit: 3, Intersection: ShaderUnused},
		}
	case ConfigProcedural:
		return []ShaderGroup{
			{Kind: GroupGeneral, General: 0, ClosestHit: ShaderUnused, AnyHit: ShaderUnused, Intersection: ShaderUnused},
			{Kind: GroupGeneral, General: 1, ClosestHit: ShaderUnused, AnyHit: ShaderUnused, Intersection: ShaderUnused},
			{Kind: GroupTriangles, General: ShaderUnused, ClosestHit: 2, AnyHit: ShaderUnused, Intersection: ShaderUnused},
			{Kind: GroupProcedural, General: ShaderUnused, ClosestHit: 3, AnyHit: ShaderUnused, Intersection: 4},
		}
	case ConfigCallable:
		return []ShaderGroup{
			{Kind: GroupGeneral, General: 0, ClosestHit: ShaderUnused, AnyHit: ShaderUnused, Intersection: ShaderUnused},
			{Kind: GroupGeneral, General: 1, ClosestHit: ShaderUnused, AnyHit: ShaderUnused, Intersection: ShaderUnused},
			{Kind: GroupTriangles, General: ShaderUnused, ClosestHit: 2, AnyHit: ShaderUnused, Intersection: ShaderUnused},
			{Kind: GroupGeneral, General: 3, ClosestHit: ShaderUnused, AnyHit: ShaderUnused, Intersection: ShaderUnused},
		}
	}
	return nil
}

// Pipeline is a created ray tracing pipeline: stages, groups, group handles
// and the (clamped) recursion depth.
type Pipeline struct {
	id       uint64
	config   Config
	stages   []ShaderStage
	groups   []ShaderGroup
	maxDepth uint32
}

// Get the pipeline configuration.
func (p *Pipeline) Config() Config {
	return p.config
}

// MaxDepth returns the recursion depth the pipeline was created with, after
// clamping to the device limit.
func (p *Pipeline) MaxDepth() uint32 {
	return p.maxDepth
}

// GroupCount returns the number of shader groups.
func (p *Pipeline) GroupCount() int {
	return len(p.groups)
}

// Groups returns the shader group list in record order.
func (p *Pipeline) Groups() []ShaderGroup {
	return p.groups
}

// Stages returns the pipeline's shader stages.
func (p *Pipeline) Stages() []ShaderStage {
	return p.stages
}

// GroupHandle returns the opaque handle of a shader group, sized to the
// device's handle size. Handles are unique per pipeline so a rebuild yields a
// completely new handle set.
func (p *Pipeline) GroupHandle(group int, handleSize uint32) []byte {
	var seed [12]byte
	binary.LittleEndian.PutUint64(seed[0:], p.id)
	binary.LittleEndian.PutUint32(seed[8:], uint32(group))
	sum := sha256.Sum256(seed[:])
	return sum[:handleSize]
}

// regionCounts tallies the groups per shader binding table region.
func (p *Pipeline) regionCounts() (raygen, miss, hit, callable int) {
	for _, g := range p.groups {
		if g.Kind != GroupGeneral {
			hit++
			continue
		}
		switch p.stages[g.General].Kind {
		case StageRaygen:
			raygen++
		case StageMiss:
			miss++
		case StageCallable:
			callable++
		}
	}
	return raygen, miss, hit, callable
}

// Manager lifecycle states.
type State uint8

const (
	StateUninitialized State = iota
	StateBuilt
	StateActive
	StateTearingDown
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateBuilt:
		return "built"
	case StateActive:
		return "active"
	case StateTearingDown:
		return "tearing-down"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Manager owns the ray tracing pipeline and its shader binding table and
// drives their lifecycle. A pipeline is created, then activated for tracing;
// configuration changes and shader reloads tear the active pipeline down
// behind a queue idle wait before the replacement is created.
type Manager struct {
	dev      *device.Device
	logger   log.Logger
	compiler Compiler

	state    State
	pipeline *Pipeline
	table    *Table

	nextID uint64
}

// NewManager creates a pipeline manager. compiler may be nil, in which case
// every stage uses its prebuilt blob.
func NewManager(dev *device.Device, compiler Compiler) *Manager {
	return &Manager{
		dev:      dev,
		logger:   log.New("pipeline"),
		compiler: compiler,
		state:    StateUninitialized,
		nextID:   1,
	}
}

// Get the lifecycle state.
func (m *Manager) State() State {
	return m.state
}

// Get the current pipeline; nil while uninitialized.
func (m *Manager) Pipeline() *Pipeline {
	return m.pipeline
}

// Get the current shader binding table; nil while uninitialized.
func (m *Manager) Table() *Table {
	return m.table
}

// CreatePipeline compiles the configuration's stages, creates the pipeline
// and regenerates the shader binding table. Valid from the uninitialized and
// built states; an active pipeline must go through Rebuild. The requested
// recursion depth is clamped to the device limit.
func (m *Manager) CreatePipeline(config Config, maxDepth uint32) error {
	if m.state == StateActive || m.state == StateTearingDown {
		return fmt.Errorf("pipeline: cannot create while %s; use Rebuild", m.state)
	}

	start := time.Now()

	limits := m.dev.Limits()
	if maxDepth > limits.MaxRayRecursionDepth {
		m.logger.Warningf("requested recursion depth %d exceeds device limit %d; clamping", maxDepth, limits.MaxRayRecursionDepth)
		maxDepth = limits.MaxRayRecursionDepth
	}
	if maxDepth == 0 {
		maxDepth = 1
	}

	refs := config.stageNames()
	if refs == nil {
		return fmt.Errorf("pipeline: unsupported configuration %s", config)
	}

	stages := make([]ShaderStage, len(refs))
	for i, ref := range refs {
		blob, err := m.compileStage(ref)
		if err != nil {
			return err
		}
		stages[i] = ShaderStage{Kind: ref.kind, Name: ref.name, Blob: blob}
	}

	pipeline := &Pipeline{
		id:       m.nextID,
		config:   config,
		stages:   stages,
		groups:   config.groups(),
		maxDepth: maxDepth,
	}
	m.nextID++

	table, err := buildTable(m.dev, pipeline)
	if err != nil {
		return err
	}

	// The previous built (never activated) pipeline needs no idle wait.
	if m.table != nil {
		m.table.Destroy()
	}
	m.pipeline = pipeline
	m.table = table
	m.state = StateBuilt

	m.logger.Noticef("created %s pipeline (%d stages, %d groups, depth %d) in %d ms",
		config, len(stages), len(pipeline.groups), maxDepth, time.Since(start).Nanoseconds()/1e6)
	return nil
}

// Activate marks the built pipeline as the one bound for tracing.
func (m *Manager) Activate() error {
	if m.state != StateBuilt {
		return fmt.Errorf("pipeline: cannot activate while %s", m.state)
	}
	m.state = StateActive
	return nil
}

// Rebuild tears down the active pipeline behind a queue idle wait and creates
// a replacement with the given configuration. The old pipeline and table are
// destroyed only after the queue drains. The replacement is activated before
// returning.
func (m *Manager) Rebuild(config Config, maxDepth uint32) error {
	if m.state != StateActive && m.state != StateBuilt {
		return fmt.Errorf("pipeline: cannot rebuild while %s", m.state)
	}

	if m.state == StateActive {
		m.state = StateTearingDown
		m.dev.WaitIdle()
		if m.table != nil {
			m.table.Destroy()
			m.table = nil
		}
		m.pipeline = nil
		m.state = StateUninitialized
	}

	if err := m.CreatePipeline(config, maxDepth); err != nil {
		return err
	}
	return m.Activate()
}

// Shutdown waits for the queue to drain and destroys the pipeline and table.
func (m *Manager) Shutdown() {
	if m.state == StateUninitialized {
		return
	}
	m.dev.WaitIdle()
	if m.table != nil {
		m.table.Destroy()
		m.table = nil
	}
	m.pipeline = nil
	m.state = StateUninitialized
}

// compileStage compiles a stage from its source, falling back to the
// embedded prebuilt blob when compilation fails.
func (m *Manager) compileStage(ref stageRef) ([]byte, error) {
	source, haveSource := shaderSources[ref.name]
	prebuilt, havePrebuilt := prebuiltBlobs[ref.name]

	if m.compiler != nil && haveSource {
		blob, err := m.compiler.Compile(ref.name, source)
		if err == nil {
			return blob, nil
		}
		if !havePrebuilt {
			return nil, fmt.Errorf("pipeline: compiling %s: %v", ref.name, err)
		}
		m.logger.Warningf("compiling %s failed (%v); using prebuilt blob", ref.name, err)
		return prebuilt, nil
	}

	if !havePrebuilt {
		return nil, fmt.Errorf("pipeline: no prebuilt blob for shader %s", ref.name)
	}
	return prebuilt, nil
}
