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

import "unsafe"

// ptrOf returns d's address as a comparable value, used only to establish
// a total order between two dentries for lock-ordering purposes (spec §5
// rule 2: "When acquiring two per-dentry locks, acquire in address
// order").
func ptrOf(d *Dentry) unsafe.Pointer { return unsafe.Pointer(d) }
