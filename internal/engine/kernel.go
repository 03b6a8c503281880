package engine

import (
	"context"
	"strings"
	"sync"

	"github.com/vk/visiongraph/internal/config"
	"github.com/vk/visiongraph/internal/status"
)

// Function runs a node. params holds the node's bound parameters in
// signature order; unbound optional parameters are nil.
type Function interface {
	Run(ctx context.Context, n *Node, params []Ref) error
}

// FunctionFunc adapts a plain function to Function.
type FunctionFunc func(ctx context.Context, n *Node, params []Ref) error

// Run calls f.
func (f FunctionFunc) Run(ctx context.Context, n *Node, params []Ref) error {
	return f(ctx, n, params)
}

// InputValidator checks one input or bidirectional parameter of a node.
type InputValidator interface {
	ValidateInput(n *Node, index int) error
}

// InputValidatorFunc adapts a plain function to InputValidator.
type InputValidatorFunc func(n *Node, index int) error

// ValidateInput calls f.
func (f InputValidatorFunc) ValidateInput(n *Node, index int) error { return f(n, index) }

// OutputValidator describes the object an output parameter will receive.
type OutputValidator interface {
	ValidateOutput(n *Node, index int, meta *MetaFormat) error
}

// OutputValidatorFunc adapts a plain function to OutputValidator.
type OutputValidatorFunc func(n *Node, index int, meta *MetaFormat) error

// ValidateOutput calls f.
func (f OutputValidatorFunc) ValidateOutput(n *Node, index int, meta *MetaFormat) error {
	return f(n, index, meta)
}

// Initializer prepares per-node state once a graph verifies.
type Initializer interface {
	Initialize(n *Node, params []Ref) error
}

// InitializerFunc adapts a plain function to Initializer.
type InitializerFunc func(n *Node, params []Ref) error

// Initialize calls f.
func (f InitializerFunc) Initialize(n *Node, params []Ref) error { return f(n, params) }

// Deinitializer releases what Initializer prepared.
type Deinitializer interface {
	Deinitialize(n *Node, params []Ref) error
}

// DeinitializerFunc adapts a plain function to Deinitializer.
type DeinitializerFunc func(n *Node, params []Ref) error

// Deinitialize calls f.
func (f DeinitializerFunc) Deinitialize(n *Node, params []Ref) error { return f(n, params) }

// Neighborhood is how far around an output pixel a kernel reads.
type Neighborhood struct {
	Left, Right, Top, Bottom int
}

// BlockSize is the output block a tiling kernel produces per call.
type BlockSize struct {
	Width, Height int
}

// KernelAttributes are fixed once the kernel is finalized.
type KernelAttributes struct {
	LocalDataSize     int
	InputNeighborhood Neighborhood
	OutputBlockSize   BlockSize
}

// ParamInfo describes one slot of a kernel signature.
type ParamInfo struct {
	Index     int
	Direction Direction
	Type      Type
	State     ParamState
}

type paramSig struct {
	dir   Direction
	typ   Type
	state ParamState
	set   bool
}

// Kernel is a named computation published by a target. Nodes instantiate
// kernels inside graphs.
type Kernel struct {
	Reference

	name string
	enum KernelEnum

	fn      Function
	tile    TileFunction
	inputV  InputValidator
	outputV OutputValidator
	init    Initializer
	deinit  Deinitializer

	target *targetSlot

	kmu     sync.Mutex
	sig     []paramSig
	attrs   KernelAttributes
	enabled bool
}

// KernelInfo identifies a published kernel.
type KernelInfo struct {
	Enum   KernelEnum
	Name   string
	Target string
}

// Name returns the kernel name, including a variant suffix when present.
func (k *Kernel) Name() string { return k.name }

// Enum returns the kernel enumeration.
func (k *Kernel) Enum() KernelEnum { return k.enum }

// NumParams returns the signature length.
func (k *Kernel) NumParams() int { return len(k.sig) }

// TargetName returns the name of the target that owns the kernel.
func (k *Kernel) TargetName() string {
	if k.target == nil {
		return ""
	}
	return k.target.impl.Name()
}

// IsTiling reports whether the kernel runs through the tiling dispatcher.
func (k *Kernel) IsTiling() bool { return k.tile != nil }

// Enabled reports whether the kernel was finalized.
func (k *Kernel) Enabled() bool {
	k.kmu.Lock()
	defer k.kmu.Unlock()
	return k.enabled
}

// Attributes returns the kernel attributes.
func (k *Kernel) Attributes() KernelAttributes {
	k.kmu.Lock()
	defer k.kmu.Unlock()
	return k.attrs
}

// Release drops an external hold obtained from KernelByName or KernelByEnum.
// Kernels stay alive while their target holds them.
func (k *Kernel) Release() error {
	if !IsValidOf(k, TypeKernel) {
		return status.Errorf(status.InvalidReference, "release of an invalid kernel")
	}
	if k.externalCount() == 0 {
		return nil
	}
	return k.engine.releaseReference(k, TypeKernel, external)
}

// AddParameter declares signature slot index.
func (k *Kernel) AddParameter(index int, dir Direction, typ Type, state ParamState) error {
	if !IsValidOf(k, TypeKernel) {
		return status.Errorf(status.InvalidReference, "invalid kernel")
	}
	k.kmu.Lock()
	defer k.kmu.Unlock()
	if k.enabled {
		return status.Errorf(status.NotSupported, "kernel %s is already finalized", k.name)
	}
	if index < 0 || index >= len(k.sig) {
		return status.Errorf(status.InvalidParameters, "kernel %s has no parameter %d", k.name, index)
	}
	if dir < Input || dir > Bidirectional {
		return status.Errorf(status.InvalidParameters, "kernel %s parameter %d: invalid direction %d", k.name, index, int(dir))
	}
	if !isValidParamType(typ) {
		return status.Errorf(status.InvalidParameters, "kernel %s parameter %d: invalid type %s", k.name, index, typ)
	}
	if state != Required && state != Optional {
		return status.Errorf(status.InvalidParameters, "kernel %s parameter %d: invalid state %d", k.name, index, int(state))
	}
	k.sig[index] = paramSig{dir: dir, typ: typ, state: state, set: true}
	return nil
}

// ParameterByIndex returns the declaration of signature slot index.
func (k *Kernel) ParameterByIndex(index int) (ParamInfo, error) {
	if !IsValidOf(k, TypeKernel) {
		return ParamInfo{}, status.Errorf(status.InvalidReference, "invalid kernel")
	}
	if index < 0 || index >= len(k.sig) {
		return ParamInfo{}, status.Errorf(status.InvalidParameters, "kernel %s has no parameter %d", k.name, index)
	}
	s := k.sig[index]
	return ParamInfo{Index: index, Direction: s.dir, Type: s.typ, State: s.state}, nil
}

func (k *Kernel) setAttr(fn func(*KernelAttributes)) error {
	if !IsValidOf(k, TypeKernel) {
		return status.Errorf(status.InvalidReference, "invalid kernel")
	}
	k.kmu.Lock()
	defer k.kmu.Unlock()
	if k.enabled {
		return status.Errorf(status.NotSupported, "kernel %s attributes are fixed once finalized", k.name)
	}
	fn(&k.attrs)
	return nil
}

// SetLocalDataSize sets the per-node scratch memory size.
func (k *Kernel) SetLocalDataSize(size int) error {
	if size < 0 {
		return status.Errorf(status.InvalidValue, "negative local data size %d", size)
	}
	return k.setAttr(func(a *KernelAttributes) { a.LocalDataSize = size })
}

// SetInputNeighborhood sets the read neighborhood of a tiling kernel.
func (k *Kernel) SetInputNeighborhood(nb Neighborhood) error {
	if nb.Left < 0 || nb.Right < 0 || nb.Top < 0 || nb.Bottom < 0 {
		return status.Errorf(status.InvalidValue, "negative neighborhood %+v", nb)
	}
	return k.setAttr(func(a *KernelAttributes) { a.InputNeighborhood = nb })
}

// SetOutputBlockSize sets the output block of a tiling kernel.
func (k *Kernel) SetOutputBlockSize(bs BlockSize) error {
	if bs.Width < 0 || bs.Height < 0 {
		return status.Errorf(status.InvalidValue, "negative block size %dx%d", bs.Width, bs.Height)
	}
	return k.setAttr(func(a *KernelAttributes) { a.OutputBlockSize = bs })
}

// Finalize checks that every parameter was declared and makes the kernel
// available to KernelByName and CreateNode.
func (k *Kernel) Finalize() error {
	if !IsValidOf(k, TypeKernel) {
		return status.Errorf(status.InvalidReference, "invalid kernel")
	}
	k.kmu.Lock()
	if k.enabled {
		k.kmu.Unlock()
		return nil
	}
	for i, s := range k.sig {
		if !s.set {
			k.kmu.Unlock()
			k.engine.Log(k, status.InvalidParameters, "Kernel %s parameter %d was never declared", k.name, i)
			return status.Errorf(status.InvalidParameters, "kernel %s parameter %d was never declared", k.name, i)
		}
	}
	k.enabled = true
	k.kmu.Unlock()

	k.engine.kernelEnabled(k)
	k.engine.logger.Debug("Kernel finalized.", "kernel", k.name, "target", k.TargetName(), "params", len(k.sig))
	return nil
}

// Remove withdraws a kernel from its target. A kernel still used by nodes
// cannot be removed.
func (k *Kernel) Remove() error {
	if !IsValidOf(k, TypeKernel) {
		return status.Errorf(status.InvalidReference, "invalid kernel")
	}
	k.mu.Lock()
	users := k.internal - 1
	k.mu.Unlock()
	if users > 0 {
		return status.Errorf(status.ReferenceNonzero, "kernel %s is used by %d nodes", k.name, users)
	}
	k.engine.destroyKernel(k)
	return nil
}

// otherEnabledWithEnum reports whether another enabled kernel carries the
// enumeration of k.
func (e *Engine) otherEnabledWithEnum(k *Kernel) bool {
	for _, t := range e.targets {
		for _, other := range t.impl.Kernels() {
			if other != k && other.enum == k.enum && other.Enabled() {
				return true
			}
		}
	}
	return false
}

func (e *Engine) kernelEnabled(k *Kernel) {
	e.kernelMu.Lock()
	defer e.kernelMu.Unlock()
	e.numKernels++
	if !e.otherEnabledWithEnum(k) {
		e.numUniqueKernels++
	}
}

// destroyKernel removes k from its target and invalidates it.
func (e *Engine) destroyKernel(k *Kernel) {
	wasEnabled := k.Enabled()
	if k.target != nil {
		k.target.impl.RemoveKernel(k)
	}
	if wasEnabled {
		e.kernelMu.Lock()
		e.numKernels--
		if !e.otherEnabledWithEnum(k) {
			e.numUniqueKernels--
		}
		e.kernelMu.Unlock()
	}
	if k.magic.CompareAndSwap(magicLive, magicDead) {
		e.removeReference(&k.Reference)
	}
}

// kernelName is the parsed form of "[target:]kernel[:variant]".
type kernelName struct {
	target  string
	kernel  string
	variant string
}

var targetAliases = map[string]bool{"default": true, "power": true, "performance": true}

func (e *Engine) isTargetName(name string) bool {
	if targetAliases[name] {
		return true
	}
	for _, t := range e.targets {
		if t.impl.Name() == name {
			return true
		}
	}
	return false
}

func (e *Engine) parseKernelName(name string) (kernelName, error) {
	parts := strings.Split(name, ":")
	var kn kernelName
	switch len(parts) {
	case 1:
		kn = kernelName{target: "default", kernel: parts[0]}
	case 2:
		if e.isTargetName(parts[0]) {
			kn = kernelName{target: parts[0], kernel: parts[1]}
		} else {
			kn = kernelName{target: "default", kernel: parts[0], variant: parts[1]}
		}
	case 3:
		kn = kernelName{target: parts[0], kernel: parts[1], variant: parts[2]}
	default:
		return kernelName{}, status.Errorf(status.InvalidParameters, "malformed kernel name %q", name)
	}
	if kn.kernel == "" {
		return kernelName{}, status.Errorf(status.InvalidParameters, "malformed kernel name %q", name)
	}
	if kn.variant == "" {
		kn.variant = "default"
	}
	return kn, nil
}

// defaultTarget is the software target when loaded, otherwise the target
// with the best priority.
func (e *Engine) defaultTarget() *targetSlot {
	for _, t := range e.targets {
		if t.impl.Name() == config.SoftwareTarget {
			return t
		}
	}
	return e.targets[0]
}

func (e *Engine) targetFor(name string) (*targetSlot, error) {
	if targetAliases[name] {
		return e.defaultTarget(), nil
	}
	for _, t := range e.targets {
		if t.impl.Name() == name {
			return t, nil
		}
	}
	return nil, status.Errorf(status.InvalidParameters, "unknown target %q", name)
}

// AddKernel publishes a kernel. name is "[target:]kernel[:variant]"; without
// a target the kernel goes to the default target. The kernel stays disabled
// until Finalize.
func (e *Engine) AddKernel(name string, enum KernelEnum, fn Function, numParams int,
	in InputValidator, out OutputValidator, init Initializer, deinit Deinitializer) (*Kernel, error) {
	if fn == nil {
		return nil, status.Errorf(status.InvalidParameters, "kernel %s has no function", name)
	}
	return e.addKernel(name, enum, fn, nil, numParams, in, out, init, deinit)
}

// AddTilingKernel publishes a kernel whose tile function is driven by the
// generic tiling dispatcher.
func (e *Engine) AddTilingKernel(name string, enum KernelEnum, tile TileFunction, numParams int,
	in InputValidator, out OutputValidator) (*Kernel, error) {
	if tile == nil {
		return nil, status.Errorf(status.InvalidParameters, "tiling kernel %s has no tile function", name)
	}
	return e.addKernel(name, enum, tilingDispatcher{tile: tile}, tile, numParams, in, out, nil, nil)
}

func (e *Engine) addKernel(name string, enum KernelEnum, fn Function, tile TileFunction, numParams int,
	in InputValidator, out OutputValidator, init Initializer, deinit Deinitializer) (*Kernel, error) {
	if !IsValidOf(e, TypeContext) {
		return nil, status.Errorf(status.InvalidReference, "invalid engine")
	}
	if numParams <= 0 || numParams > e.cfg.MaxParameters {
		return nil, status.Errorf(status.InvalidParameters, "kernel %s: %d parameters (max %d)", name, numParams, e.cfg.MaxParameters)
	}
	if in == nil || out == nil {
		return nil, status.Errorf(status.InvalidParameters, "kernel %s needs input and output validators", name)
	}
	kn, err := e.parseKernelName(name)
	if err != nil {
		return nil, err
	}
	t, err := e.targetFor(kn.target)
	if err != nil {
		return nil, err
	}
	stored := kn.kernel
	if kn.variant != "default" {
		stored += ":" + kn.variant
	}

	k := &Kernel{
		name:    stored,
		enum:    enum,
		fn:      fn,
		tile:    tile,
		inputV:  in,
		outputV: out,
		init:    init,
		deinit:  deinit,
		target:  t,
		sig:     make([]paramSig, numParams),
	}
	if err := e.initReference(&k.Reference, k, TypeKernel, internal, t); err != nil {
		return nil, err
	}
	if err := t.impl.AddKernel(k); err != nil {
		k.magic.Store(magicDead)
		e.removeReference(&k.Reference)
		return nil, err
	}
	e.logger.Debug("Kernel reserved.", "kernel", stored, "target", t.impl.Name(), "enum", int(enum))
	return k, nil
}

// KernelByName finds an enabled kernel, searching targets by priority. The
// caller receives an external hold.
func (e *Engine) KernelByName(name string) (*Kernel, error) {
	kn, err := e.parseKernelName(name)
	if err != nil {
		return nil, err
	}
	for _, t := range e.targets {
		idx, ok := t.impl.Supports(kn.target, kn.kernel, kn.variant)
		if !ok {
			continue
		}
		kernels := t.impl.Kernels()
		if idx < 0 || idx >= len(kernels) {
			continue
		}
		k := kernels[idx]
		if !IsValid(k) || !k.Enabled() {
			continue
		}
		k.increment(external)
		return k, nil
	}
	return nil, status.Errorf(status.InvalidReference, "kernel %q not found", name)
}

// KernelByEnum finds an enabled kernel by enumeration, searching targets by
// priority. The caller receives an external hold.
func (e *Engine) KernelByEnum(enum KernelEnum) (*Kernel, error) {
	for _, t := range e.targets {
		for _, k := range t.impl.Kernels() {
			if k.enum == enum && IsValid(k) && k.Enabled() {
				k.increment(external)
				return k, nil
			}
		}
	}
	return nil, status.Errorf(status.InvalidReference, "kernel %d not found", int(enum))
}

// Kernels lists every enabled kernel with a distinct enumeration, in target
// priority order.
func (e *Engine) Kernels() []KernelInfo {
	seen := make(map[KernelEnum]bool)
	var out []KernelInfo
	for _, t := range e.targets {
		for _, k := range t.impl.Kernels() {
			if !k.Enabled() || seen[k.enum] {
				continue
			}
			seen[k.enum] = true
			out = append(out, KernelInfo{Enum: k.enum, Name: k.name, Target: t.impl.Name()})
		}
	}
	return out
}
