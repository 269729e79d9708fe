// Copyright 2019 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vfs

import (
	"sync"

	"github.com/monkeyfs/vfs/pkg/vfserror"
)

// Layer names one of the six dispatch tables a Context can be routed
// through (spec §4.2, component C8).
type Layer int

const (
	LayerPath Layer = iota
	LayerDentry
	LayerInode
	LayerSuperblock
	LayerFilesystem
	LayerFD
)

// Handler is a per-(layer, action) routine. It receives the Context with
// Action/ActionFlags already set to the (action, flags) pair it was
// registered under.
type Handler func(ctx *Context) error

// Dispatcher routes a Context to the handler registered for its
// (layer, action) pair (spec §4.2). Dispatch itself never allocates and
// never blocks beyond what the handler may do; it does not validate
// operation semantics, only routes. A handler may re-enter Dispatch on a
// different (layer, action) via Context.WithAction, provided it restores
// the action code before returning — WithAction guarantees this.
type Dispatcher struct {
	mu     sync.RWMutex
	tables map[Layer]map[Action]Handler
}

// NewDispatcher constructs an empty dispatcher with all six layer tables
// initialized.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{tables: make(map[Layer]map[Action]Handler)}
	for _, l := range []Layer{LayerPath, LayerDentry, LayerInode, LayerSuperblock, LayerFilesystem, LayerFD} {
		d.tables[l] = make(map[Action]Handler)
	}
	return d
}

// Register installs h as the handler for (layer, action), overwriting any
// previous registration.
func (d *Dispatcher) Register(layer Layer, action Action, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tables[layer][action] = h
}

// Dispatch routes ctx to the handler registered for (layer, ctx.Action).
// An unknown or missing action returns NotImplemented (spec §4.2).
func (d *Dispatcher) Dispatch(layer Layer, ctx *Context) error {
	d.mu.RLock()
	h, ok := d.tables[layer][ctx.Action]
	d.mu.RUnlock()
	if !ok {
		return vfserror.New(vfserror.NotImplemented)
	}
	return h(ctx)
}
