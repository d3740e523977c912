// Copyright 2017 DigitalOcean.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ofproto

import (
	"context"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/ovs-project/ofproto-dpif/ovsdb"
)

// BridgeConfig is the Port configuration interface of §6: a bridge's
// bundles and mirrors, in a form that can be decoded either from OVSDB
// rows (the real control path, via LoadOVSDB) or from a YAML fixture (the
// unixctl-driven test/CLI harness, via LoadYAML).
type BridgeConfig struct {
	Name    string         `yaml:"name"`
	Bundles []BundleConfig `yaml:"bundles"`
	Mirrors []MirrorConfig `yaml:"mirrors"`
}

// BundleConfig is one Bundle's wire/file representation.
type BundleConfig struct {
	Name            string   `yaml:"name"`
	Mode            string   `yaml:"vlan_mode"` // access, trunk, native-untagged, native-tagged
	Vlan            uint16   `yaml:"tag"`
	Trunks          []uint16 `yaml:"trunks"`
	UsePriorityTags bool     `yaml:"use_priority_tags"`
	Ports           []uint32 `yaml:"ports"` // OfPort numbers

	LacpEnabled bool `yaml:"lacp_enabled"`
}

// MirrorConfig is one Mirror's wire/file representation.
type MirrorConfig struct {
	Index      int      `yaml:"index"`
	Name       string   `yaml:"name"`
	SrcBundles []string `yaml:"select_src_bundles"`
	DstBundles []string `yaml:"select_dst_bundles"`
	Vlans      []uint16 `yaml:"select_vlans"`

	OutputBundle *string `yaml:"output_bundle,omitempty"`
	OutputVlan   *uint16 `yaml:"output_vlan,omitempty"`
}

// vlanModeNames maps the OVSDB/YAML "vlan_mode" string to a VlanMode.
var vlanModeNames = map[string]VlanMode{
	"access":          Access,
	"trunk":           Trunk,
	"native-untagged": NativeUntagged,
	"native-tagged":   NativeTagged,
}

// Bundle materializes cfg as a *Bundle ready for Bridge.SetBundle.
func (cfg BundleConfig) Bundle() (*Bundle, error) {
	mode, ok := vlanModeNames[cfg.Mode]
	if !ok {
		return nil, fmt.Errorf("ofproto: unknown vlan_mode %q for bundle %q", cfg.Mode, cfg.Name)
	}

	b := &Bundle{
		Name:            cfg.Name,
		Mode:            mode,
		Vlan:            cfg.Vlan,
		UsePriorityTags: cfg.UsePriorityTags,
		Ports:           append([]uint32(nil), cfg.Ports...),
		LacpEnabled:     cfg.LacpEnabled,
		FloodEligible:   true,
	}
	for _, vid := range cfg.Trunks {
		b.TrunkAdd(vid)
	}
	return b, nil
}

// Mirror materializes cfg as a *Mirror ready for MirrorTable.Set.
func (cfg MirrorConfig) Mirror() (*Mirror, error) {
	if cfg.Index < 0 || cfg.Index >= MaxMirrors {
		return nil, fmt.Errorf("ofproto: mirror %q index %d out of range [0,%d)", cfg.Name, cfg.Index, MaxMirrors)
	}
	if (cfg.OutputBundle == nil) == (cfg.OutputVlan == nil) {
		return nil, fmt.Errorf("ofproto: mirror %q must set exactly one of output_bundle/output_vlan", cfg.Name)
	}

	m := &Mirror{
		Index:        cfg.Index,
		Name:         cfg.Name,
		SrcBundles:   make(BundleSet, len(cfg.SrcBundles)),
		DstBundles:   make(BundleSet, len(cfg.DstBundles)),
		OutputBundle: cfg.OutputBundle,
		OutputVlan:   cfg.OutputVlan,
	}
	for _, name := range cfg.SrcBundles {
		m.SrcBundles[name] = true
	}
	for _, name := range cfg.DstBundles {
		m.DstBundles[name] = true
	}
	for _, vid := range cfg.Vlans {
		if vid < 4096 {
			m.Vlans[vid/64] |= 1 << (vid % 64)
		}
	}
	return m, nil
}

// Apply installs every bundle and mirror cfg describes onto br, replacing
// any bundle/mirror already present under the same name/index, and
// recomputes the mirror table's duplicate-output bitmap (§3 "Bundle/
// Mirror/Port" lifecycle).
func (cfg BridgeConfig) Apply(br *Bridge) error {
	for _, bc := range cfg.Bundles {
		b, err := bc.Bundle()
		if err != nil {
			return err
		}
		br.SetBundle(b)
	}

	for _, mc := range cfg.Mirrors {
		m, err := mc.Mirror()
		if err != nil {
			return err
		}
		br.Mirrors.Set(m)
	}
	br.Mirrors.Reconfigure()

	return nil
}

// LoadYAML decodes a BridgeConfig from r, the shape the unixctl-driven
// test/CLI harness uses in place of a live OVSDB connection.
func LoadYAML(r io.Reader) (BridgeConfig, error) {
	var cfg BridgeConfig
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return BridgeConfig{}, fmt.Errorf("ofproto: decode YAML bridge config: %w", err)
	}
	return cfg, nil
}

// LoadOVSDB builds a BridgeConfig named bridge from an OVSDB server via c,
// reading the Interface, Port and Mirror tables of the Open_vSwitch schema
// (RFC 7047's actual control path for §6's Port configuration interface).
// The Bridge table is not read: every Port and Mirror row in db is
// included whichever bridge owns it, and bridge only sets the returned
// config's Name. Bundles are assumed single-interface -- the
// common case -- since bonded ports need the (out of scope, §1) LACP
// subsystem's own convergence signal to pick the right member set.
func LoadOVSDB(ctx context.Context, c *ovsdb.Client, db, bridge string) (BridgeConfig, error) {
	ifaceOfPort, err := ovsdbInterfaceOfPorts(ctx, c, db)
	if err != nil {
		return BridgeConfig{}, err
	}

	portRows, err := c.Transact(ctx, db, []ovsdb.TransactOp{
		ovsdb.Select{Table: "Port"},
	})
	if err != nil {
		return BridgeConfig{}, fmt.Errorf("ofproto: select Port: %w", err)
	}

	cfg := BridgeConfig{Name: bridge}
	for _, row := range portRows {
		bc, ok, err := bundleConfigFromRow(row, ifaceOfPort)
		if err != nil {
			return BridgeConfig{}, err
		}
		if ok {
			cfg.Bundles = append(cfg.Bundles, bc)
		}
	}

	mirrorRows, err := c.Transact(ctx, db, []ovsdb.TransactOp{
		ovsdb.Select{Table: "Mirror"},
	})
	if err != nil {
		return BridgeConfig{}, fmt.Errorf("ofproto: select Mirror: %w", err)
	}
	for i, row := range mirrorRows {
		mc, err := mirrorConfigFromRow(i, row)
		if err != nil {
			return BridgeConfig{}, err
		}
		cfg.Mirrors = append(cfg.Mirrors, mc)
	}

	return cfg, nil
}

// ovsdbInterfaceOfPorts builds a name->ofport lookup from the Interface
// table, the OVSDB side of the Port Adapter's ofp_port assignment.
func ovsdbInterfaceOfPorts(ctx context.Context, c *ovsdb.Client, db string) (map[string]uint32, error) {
	rows, err := c.Transact(ctx, db, []ovsdb.TransactOp{
		ovsdb.Select{Table: "Interface"},
	})
	if err != nil {
		return nil, fmt.Errorf("ofproto: select Interface: %w", err)
	}

	out := make(map[string]uint32, len(rows))
	for _, row := range rows {
		name, _ := row["name"].(string)
		ofport, ok := rowNumber(row["ofport"])
		if name == "" || !ok {
			continue
		}
		out[name] = uint32(ofport)
	}
	return out, nil
}

// bundleConfigFromRow decodes one Port table row into a BundleConfig. ok
// is false for a row this adapter can't place an ofport for (interface
// not yet assigned one by ovs-vswitchd), which the caller skips rather
// than failing the whole load.
func bundleConfigFromRow(row ovsdb.Row, ifaceOfPort map[string]uint32) (BundleConfig, bool, error) {
	name, _ := row["name"].(string)
	if name == "" {
		return BundleConfig{}, false, fmt.Errorf("ofproto: Port row missing name")
	}

	ofport, ok := ifaceOfPort[name]
	if !ok {
		return BundleConfig{}, false, nil
	}

	mode, _ := row["vlan_mode"].(string)
	if mode == "" {
		mode = "access"
	}

	tag, _ := rowNumber(row["tag"])

	return BundleConfig{
		Name:   name,
		Mode:   mode,
		Vlan:   uint16(tag),
		Trunks: rowUint16Set(row["trunks"]),
		Ports:  []uint32{ofport},
	}, true, nil
}

// mirrorConfigFromRow decodes one Mirror table row into a MirrorConfig,
// assigned dense index i (the real schema has no stable small integer
// index; one is assigned here in Select's row order, matching how
// MirrorTable's own [MaxMirrors]*Mirror array is indexed).
func mirrorConfigFromRow(i int, row ovsdb.Row) (MirrorConfig, error) {
	name, _ := row["name"].(string)

	mc := MirrorConfig{
		Index:      i,
		Name:       name,
		SrcBundles: rowStringSet(row["select_src_bundles"]),
		DstBundles: rowStringSet(row["select_dst_bundles"]),
		Vlans:      rowUint16Set(row["select_vlan"]),
	}

	if ob, ok := row["output_bundle"].(string); ok && ob != "" {
		mc.OutputBundle = &ob
	}
	if ov, ok := rowNumber(row["output_vlan"]); ok {
		vid := uint16(ov)
		mc.OutputVlan = &vid
	}
	if mc.OutputBundle == nil && mc.OutputVlan == nil {
		return MirrorConfig{}, fmt.Errorf("ofproto: mirror %q has neither output_bundle nor output_vlan", name)
	}

	return mc, nil
}

// rowNumber decodes a JSON-numeric OVSDB column (encoding/json always
// decodes untyped JSON numbers as float64).
func rowNumber(v interface{}) (float64, bool) {
	n, ok := v.(float64)
	return n, ok
}

// rowStringSet decodes a column holding a JSON array of strings.
func rowStringSet(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// rowUint16Set decodes a column holding a JSON array of small integers.
func rowUint16Set(v interface{}) []uint16 {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]uint16, 0, len(items))
	for _, it := range items {
		if n, ok := it.(float64); ok {
			out = append(out, uint16(n))
		}
	}
	return out
}
