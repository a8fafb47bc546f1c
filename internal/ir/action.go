package ir

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ActionKind is the wire tag of an action variant.
type ActionKind string

const (
	KindCreateInstance       ActionKind = "createInstance"
	KindInsertAsset          ActionKind = "insertAsset"
	KindSetProperty          ActionKind = "setProperty"
	KindSetProperties        ActionKind = "setProperties"
	KindCloneInstance        ActionKind = "cloneInstance"
	KindClearChildren        ActionKind = "clearChildren"
	KindSetTags              ActionKind = "setTags"
	KindDeleteInstance       ActionKind = "deleteInstance"
	KindRename               ActionKind = "rename"
	KindMove                 ActionKind = "move"
	KindSetAttribute         ActionKind = "setAttribute"
	KindSetAttributes        ActionKind = "setAttributes"
	KindEditScript           ActionKind = "editScript"
	KindTween                ActionKind = "tween"
	KindEmitParticles        ActionKind = "emitParticles"
	KindPlaySound            ActionKind = "playSound"
	KindAnimationCreate      ActionKind = "animationCreate"
	KindAnimationAddKeyframe ActionKind = "animationAddKeyframe"
	KindAnimationPreview     ActionKind = "animationPreview"
	KindAnimationStop        ActionKind = "animationStop"
)

// RootPath is the root every action path must live under.
const RootPath = "game"

// payloadFactories is the closed set of action variants.
var payloadFactories = map[ActionKind]func() Payload{
	KindCreateInstance:       func() Payload { return &CreateInstance{} },
	KindInsertAsset:          func() Payload { return &InsertAsset{} },
	KindSetProperty:          func() Payload { return &SetProperty{} },
	KindSetProperties:        func() Payload { return &SetProperties{} },
	KindCloneInstance:        func() Payload { return &CloneInstance{} },
	KindClearChildren:        func() Payload { return &ClearChildren{} },
	KindSetTags:              func() Payload { return &SetTags{} },
	KindDeleteInstance:       func() Payload { return &DeleteInstance{} },
	KindRename:               func() Payload { return &Rename{} },
	KindMove:                 func() Payload { return &Move{} },
	KindSetAttribute:         func() Payload { return &SetAttribute{} },
	KindSetAttributes:        func() Payload { return &SetAttributes{} },
	KindEditScript:           func() Payload { return &EditScript{} },
	KindTween:                func() Payload { return &Tween{} },
	KindEmitParticles:        func() Payload { return &EmitParticles{} },
	KindPlaySound:            func() Payload { return &PlaySound{} },
	KindAnimationCreate:      func() Payload { return &AnimationCreate{} },
	KindAnimationAddKeyframe: func() Payload { return &AnimationAddKeyframe{} },
	KindAnimationPreview:     func() Payload { return &AnimationPreview{} },
	KindAnimationStop:        func() Payload { return &AnimationStop{} },
}

// AllKinds returns every known kind, sorted.
func AllKinds() []ActionKind {
	out := make([]ActionKind, 0, len(payloadFactories))
	for k := range payloadFactories {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Known reports whether k is part of the action catalog.
func (k ActionKind) Known() bool {
	_, ok := payloadFactories[k]
	return ok
}

// Payload is the kind-specific body of an action. Only the types in this
// file implement it.
type Payload interface {
	Kind() ActionKind
	validate(a Action) []string
}

// Action is one proposed mutation. Path is the primary target; some kinds
// carry a second path in their payload (see Targets).
type Action struct {
	Kind         ActionKind
	Path         string
	ExpectedHash string
	Payload      Payload
}

// NewAction builds an action from a payload.
func NewAction(path string, p Payload) Action {
	return Action{Kind: p.Kind(), Path: path, Payload: p}
}

// Targets returns every path the action writes to or under.
func (a Action) Targets() []string {
	var out []string
	add := func(p string) {
		if p != "" {
			out = append(out, p)
		}
	}
	switch p := a.Payload.(type) {
	case *CreateInstance:
		add(p.CreatedPath())
	case *InsertAsset:
		add(p.ParentPath)
	case *CloneInstance:
		add(a.Path)
		add(p.ParentPath)
	case *Move:
		add(a.Path)
		add(p.NewParentPath)
	case *AnimationCreate:
		add(p.ParentPath)
	default:
		add(a.Path)
	}
	return out
}

// SourceBytes returns the script bytes the action proposes to write.
func (a Action) SourceBytes() int {
	switch p := a.Payload.(type) {
	case *EditScript:
		return p.Bytes()
	case *CreateInstance:
		if p.Source != nil {
			return len(*p.Source)
		}
	}
	return 0
}

// Validate returns every structural problem with the action.
func (a Action) Validate() []string {
	if a.Kind == "" {
		return []string{"missing action type"}
	}
	if a.Payload == nil || !a.Kind.Known() {
		return []string{fmt.Sprintf("unknown action type %q", a.Kind)}
	}
	var problems []string
	if a.Payload.Kind() != a.Kind {
		problems = append(problems, fmt.Sprintf("payload kind %q does not match type %q", a.Payload.Kind(), a.Kind))
	}
	problems = append(problems, a.Payload.validate(a)...)
	for _, t := range a.Targets() {
		if !IsAbsolutePath(t) {
			problems = append(problems, fmt.Sprintf("path %q must start with %q", t, RootPath+"/"))
		}
	}
	return problems
}

// IsAbsolutePath reports whether p is rooted at RootPath.
func IsAbsolutePath(p string) bool {
	return p == RootPath || strings.HasPrefix(p, RootPath+"/")
}

// ParentOf returns the parent path of p, or "" for the root.
func ParentOf(p string) string {
	i := strings.LastIndex(p, "/")
	if i <= 0 {
		return ""
	}
	return p[:i]
}

// BaseName returns the last path segment.
func BaseName(p string) string {
	return p[strings.LastIndex(p, "/")+1:]
}

// JoinPath joins a parent and a child name.
func JoinPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

// ContainerOf returns the top-level container under the root
// ("game/Workspace/Part" -> "game/Workspace").
func ContainerOf(p string) string {
	parts := strings.SplitN(p, "/", 3)
	if len(parts) < 2 {
		return p
	}
	return parts[0] + "/" + parts[1]
}

func requireField(problems []string, ok bool, field string) []string {
	if !ok {
		return append(problems, "missing "+field)
	}
	return problems
}

// CreateInstance creates a new object under ParentPath.
type CreateInstance struct {
	ParentPath string                     `json:"parentPath"`
	ClassName  string                     `json:"className"`
	Name       string                     `json:"name"`
	Properties map[string]json.RawMessage `json:"properties,omitempty"`
	Attributes map[string]json.RawMessage `json:"attributes,omitempty"`
	Source     *string                    `json:"source,omitempty"`
}

func (*CreateInstance) Kind() ActionKind { return KindCreateInstance }

// CreatedPath is the path the new object will have.
func (p *CreateInstance) CreatedPath() string { return JoinPath(p.ParentPath, p.Name) }

func (p *CreateInstance) validate(Action) []string {
	var problems []string
	problems = requireField(problems, p.ParentPath != "", "parentPath")
	problems = requireField(problems, p.ClassName != "", "className")
	problems = requireField(problems, p.Name != "", "name")
	if strings.Contains(p.Name, "/") {
		problems = append(problems, "name must not contain '/'")
	}
	return problems
}

// InsertAsset inserts a published asset under ParentPath.
type InsertAsset struct {
	ParentPath string `json:"parentPath"`
	AssetID    int64  `json:"assetId"`
}

func (*InsertAsset) Kind() ActionKind { return KindInsertAsset }

func (p *InsertAsset) validate(Action) []string {
	var problems []string
	problems = requireField(problems, p.ParentPath != "", "parentPath")
	problems = requireField(problems, p.AssetID > 0, "assetId")
	return problems
}

// SetProperty sets one property on Path.
type SetProperty struct {
	Property string          `json:"property"`
	Value    json.RawMessage `json:"value"`
}

func (*SetProperty) Kind() ActionKind { return KindSetProperty }

func (p *SetProperty) validate(a Action) []string {
	var problems []string
	problems = requireField(problems, a.Path != "", "path")
	problems = requireField(problems, p.Property != "", "property")
	problems = requireField(problems, len(p.Value) > 0, "value")
	return problems
}

// SetProperties sets several properties on Path.
type SetProperties struct {
	Properties map[string]json.RawMessage `json:"properties"`
}

func (*SetProperties) Kind() ActionKind { return KindSetProperties }

func (p *SetProperties) validate(a Action) []string {
	var problems []string
	problems = requireField(problems, a.Path != "", "path")
	problems = requireField(problems, len(p.Properties) > 0, "properties")
	return problems
}

// CloneInstance clones Path under ParentPath.
type CloneInstance struct {
	ParentPath string `json:"parentPath"`
	Name       string `json:"name,omitempty"`
}

func (*CloneInstance) Kind() ActionKind { return KindCloneInstance }

func (p *CloneInstance) validate(a Action) []string {
	var problems []string
	problems = requireField(problems, a.Path != "", "path")
	problems = requireField(problems, p.ParentPath != "", "parentPath")
	return problems
}

// ClearChildren destroys every child of Path.
type ClearChildren struct{}

func (*ClearChildren) Kind() ActionKind { return KindClearChildren }

func (p *ClearChildren) validate(a Action) []string {
	return requireField(nil, a.Path != "", "path")
}

// SetTags replaces (Tags) or edits (Add/Remove) the tags on Path.
type SetTags struct {
	Tags   []string `json:"tags,omitempty"`
	Add    []string `json:"add,omitempty"`
	Remove []string `json:"remove,omitempty"`
}

func (*SetTags) Kind() ActionKind { return KindSetTags }

func (p *SetTags) validate(a Action) []string {
	var problems []string
	problems = requireField(problems, a.Path != "", "path")
	problems = requireField(problems, p.Tags != nil || len(p.Add)+len(p.Remove) > 0, "tags, add or remove")
	return problems
}

// DeleteInstance destroys Path.
type DeleteInstance struct{}

func (*DeleteInstance) Kind() ActionKind { return KindDeleteInstance }

func (p *DeleteInstance) validate(a Action) []string {
	return requireField(nil, a.Path != "", "path")
}

// Rename renames Path to NewName.
type Rename struct {
	NewName string `json:"newName"`
}

func (*Rename) Kind() ActionKind { return KindRename }

func (p *Rename) validate(a Action) []string {
	var problems []string
	problems = requireField(problems, a.Path != "", "path")
	problems = requireField(problems, p.NewName != "", "newName")
	if strings.Contains(p.NewName, "/") {
		problems = append(problems, "newName must not contain '/'")
	}
	return problems
}

// Move reparents Path under NewParentPath.
type Move struct {
	NewParentPath string `json:"newParentPath"`
}

func (*Move) Kind() ActionKind { return KindMove }

// CrossContainer reports whether the move leaves the top-level container
// Path currently lives in.
func (p *Move) CrossContainer(from string) bool {
	return ContainerOf(from) != ContainerOf(p.NewParentPath)
}

func (p *Move) validate(a Action) []string {
	var problems []string
	problems = requireField(problems, a.Path != "", "path")
	problems = requireField(problems, p.NewParentPath != "", "newParentPath")
	if a.Path != "" && (p.NewParentPath == a.Path || strings.HasPrefix(p.NewParentPath, a.Path+"/")) {
		problems = append(problems, "cannot move an object into itself")
	}
	return problems
}

// SetAttribute sets one custom attribute on Path.
type SetAttribute struct {
	Attribute string          `json:"attribute"`
	Value     json.RawMessage `json:"value"`
}

func (*SetAttribute) Kind() ActionKind { return KindSetAttribute }

func (p *SetAttribute) validate(a Action) []string {
	var problems []string
	problems = requireField(problems, a.Path != "", "path")
	problems = requireField(problems, p.Attribute != "", "attribute")
	problems = requireField(problems, len(p.Value) > 0, "value")
	return problems
}

// SetAttributes sets several custom attributes on Path.
type SetAttributes struct {
	Attributes map[string]json.RawMessage `json:"attributes"`
}

func (*SetAttributes) Kind() ActionKind { return KindSetAttributes }

func (p *SetAttributes) validate(a Action) []string {
	var problems []string
	problems = requireField(problems, a.Path != "", "path")
	problems = requireField(problems, len(p.Attributes) > 0, "attributes")
	return problems
}

// EditMode selects how EditScript applies its text.
type EditMode string

const (
	EditReplace      EditMode = "replace"
	EditAppend       EditMode = "append"
	EditPrepend      EditMode = "prepend"
	EditReplaceRange EditMode = "replaceRange"
	EditInsertBefore EditMode = "insertBefore"
	EditInsertAfter  EditMode = "insertAfter"
)

// EditScript edits the source of the script at Path. Text comes from Source
// or, for large edits, from Chunks concatenated in order.
type EditScript struct {
	Mode      EditMode `json:"mode"`
	Source    *string  `json:"source,omitempty"`
	Chunks    []string `json:"chunks,omitempty"`
	StartLine int      `json:"startLine,omitempty"`
	EndLine   int      `json:"endLine,omitempty"`
	Anchor    string   `json:"anchor,omitempty"`
}

func (*EditScript) Kind() ActionKind { return KindEditScript }

// Text returns the edit text.
func (p *EditScript) Text() string {
	if p.Source != nil {
		return *p.Source
	}
	return strings.Join(p.Chunks, "")
}

// Bytes returns the size of the edit text.
func (p *EditScript) Bytes() int {
	if p.Source != nil {
		return len(*p.Source)
	}
	n := 0
	for _, c := range p.Chunks {
		n += len(c)
	}
	return n
}

func (p *EditScript) validate(a Action) []string {
	var problems []string
	problems = requireField(problems, a.Path != "", "path")
	switch p.Mode {
	case EditReplace, EditAppend, EditPrepend:
	case EditReplaceRange:
		if p.StartLine < 1 || p.EndLine < p.StartLine {
			problems = append(problems, "replaceRange requires 1 <= startLine <= endLine")
		}
	case EditInsertBefore, EditInsertAfter:
		if p.Anchor == "" && p.StartLine < 1 {
			problems = append(problems, fmt.Sprintf("%s requires anchor or startLine", p.Mode))
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown edit mode %q", p.Mode))
	}
	if p.Source != nil && len(p.Chunks) > 0 {
		problems = append(problems, "source and chunks are mutually exclusive")
	}
	if p.Source == nil && p.Chunks == nil {
		problems = append(problems, "missing source or chunks")
	}
	return problems
}

// Tween animates properties of Path.
type Tween struct {
	Properties map[string]json.RawMessage `json:"properties"`
	Duration   float64                    `json:"duration"`
	Easing     string                     `json:"easingStyle,omitempty"`
}

func (*Tween) Kind() ActionKind { return KindTween }

func (p *Tween) validate(a Action) []string {
	var problems []string
	problems = requireField(problems, a.Path != "", "path")
	problems = requireField(problems, len(p.Properties) > 0, "properties")
	if p.Duration < 0 {
		problems = append(problems, "duration must not be negative")
	}
	return problems
}

// EmitParticles fires the particle emitter at Path.
type EmitParticles struct {
	Count int `json:"count"`
}

func (*EmitParticles) Kind() ActionKind { return KindEmitParticles }

func (p *EmitParticles) validate(a Action) []string {
	var problems []string
	problems = requireField(problems, a.Path != "", "path")
	if p.Count < 0 {
		problems = append(problems, "count must not be negative")
	}
	return problems
}

// PlaySound plays a sound at Path.
type PlaySound struct {
	SoundID string  `json:"soundId,omitempty"`
	Volume  float64 `json:"volume,omitempty"`
}

func (*PlaySound) Kind() ActionKind { return KindPlaySound }

func (p *PlaySound) validate(a Action) []string {
	return requireField(nil, a.Path != "", "path")
}

// AnimationCreate creates a keyframe sequence under ParentPath.
type AnimationCreate struct {
	ParentPath string `json:"parentPath"`
	Name       string `json:"name"`
}

func (*AnimationCreate) Kind() ActionKind { return KindAnimationCreate }

func (p *AnimationCreate) validate(Action) []string {
	var problems []string
	problems = requireField(problems, p.ParentPath != "", "parentPath")
	problems = requireField(problems, p.Name != "", "name")
	return problems
}

// AnimationAddKeyframe adds a keyframe to the sequence at Path.
type AnimationAddKeyframe struct {
	Time  float64                    `json:"time"`
	Poses map[string]json.RawMessage `json:"poses,omitempty"`
}

func (*AnimationAddKeyframe) Kind() ActionKind { return KindAnimationAddKeyframe }

func (p *AnimationAddKeyframe) validate(a Action) []string {
	var problems []string
	problems = requireField(problems, a.Path != "", "path")
	if p.Time < 0 {
		problems = append(problems, "time must not be negative")
	}
	return problems
}

// AnimationPreview plays the sequence at Path on RigPath.
type AnimationPreview struct {
	RigPath string `json:"rigPath"`
	Looped  bool   `json:"looped,omitempty"`
}

func (*AnimationPreview) Kind() ActionKind { return KindAnimationPreview }

func (p *AnimationPreview) validate(a Action) []string {
	var problems []string
	problems = requireField(problems, a.Path != "", "path")
	problems = requireField(problems, p.RigPath != "", "rigPath")
	return problems
}

// AnimationStop stops animations playing on the rig at Path.
type AnimationStop struct{}

func (*AnimationStop) Kind() ActionKind { return KindAnimationStop }

func (p *AnimationStop) validate(a Action) []string {
	return requireField(nil, a.Path != "", "path")
}

// IsEffect reports whether the kind is a transient effect with no
// persistent change to the tree.
func (k ActionKind) IsEffect() bool {
	switch k {
	case KindTween, KindEmitParticles, KindPlaySound, KindAnimationPreview, KindAnimationStop:
		return true
	default:
		return false
	}
}

// MarshalJSON flattens the payload next to type, path and expectedHash.
func (a Action) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage)
	if a.Payload != nil {
		body, err := json.Marshal(a.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", a.Kind, err)
		}
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, fmt.Errorf("flatten %s payload: %w", a.Kind, err)
		}
	}
	put := func(key, value string) {
		if value != "" {
			b, _ := json.Marshal(value)
			fields[key] = b
		}
	}
	put("type", string(a.Kind))
	put("path", a.Path)
	put("expectedHash", a.ExpectedHash)
	return json.Marshal(fields)
}

// UnmarshalJSON decodes a flat action object, applying alias normalization.
// Unknown kinds decode without error and fail Validate, so that preflight
// reports them alongside other structural problems.
func (a *Action) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("action must be an object: %w", err)
	}
	if fields == nil {
		return fmt.Errorf("action must be an object")
	}
	normalizeAction(fields)

	var out Action
	for key, dst := range map[string]*string{"type": (*string)(&out.Kind), "path": &out.Path, "expectedHash": &out.ExpectedHash} {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return fmt.Errorf("action field %q must be a string: %w", key, err)
		}
		delete(fields, key)
	}

	newPayload, ok := payloadFactories[out.Kind]
	if !ok {
		*a = out
		return nil
	}
	body, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	p := newPayload()
	if err := json.Unmarshal(body, p); err != nil {
		return fmt.Errorf("action %s: %w", out.Kind, err)
	}
	out.Payload = p
	*a = out
	return nil
}
