// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
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

package statusserver

import (
	"fmt"
	"strconv"
	"strings"

	cardemu "github.com/ZaparooProject/go-cardemu"
	"github.com/grandcat/zeroconf"
)

// mDNS registration values.
const (
	MDNSServiceType = "_cardemu._tcp"
	MDNSServiceName = "go-cardemu"
	MDNSDomain      = "local."
)

// Advertisement is a registered mDNS service.
type Advertisement struct {
	server *zeroconf.Server
}

// Advertise registers the status server on the local network so clients
// can find it without knowing the host.
func Advertise(name string, port int, reg *cardemu.Registry) (*Advertisement, error) {
	if name == "" {
		name = MDNSServiceName
	}
	server, err := zeroconf.Register(name, MDNSServiceType, MDNSDomain, port, txtRecords(reg), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register mDNS service: %w", err)
	}
	cardemu.Debugf("statusserver: mDNS %s registered on port %d", name, port)
	return &Advertisement{server: server}, nil
}

// Shutdown withdraws the service.
func (a *Advertisement) Shutdown() {
	if a != nil && a.server != nil {
		a.server.Shutdown()
	}
}

func txtRecords(reg *cardemu.Registry) []string {
	records := []string{
		"version=1",
		"protocol=websocket",
		"path=/ws",
	}
	if reg == nil {
		return records
	}
	var slots []string
	for _, c := range reg.Cards() {
		slots = append(slots, strconv.Itoa(int(c.Identifiers().Slot)))
	}
	if len(slots) > 0 {
		records = append(records, "slots="+strings.Join(slots, ","))
	}
	return records
}
