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

package ovsdb

import (
	"context"
	"fmt"
)

// echoIdent is the string this Client sends and expects to receive back
// unchanged from an "echo" RPC -- its own import path, so a server
// accidentally talking to a different client implementation is easy to
// spot in a packet capture.
const echoIdent = "github.com/ovs-project/ofproto-dpif/ovsdb"

// ListDatabases returns the name of all databases known to the OVSDB server.
func (c *Client) ListDatabases(ctx context.Context) ([]string, error) {
	var dbs []string
	if err := c.rpc(ctx, "list_dbs", &dbs); err != nil {
		return nil, err
	}

	return dbs, nil
}

// Echo performs a liveness check against the OVSDB server: it sends a
// single-element echo request and verifies the server reflects it back
// unchanged, per RFC 7047 section 4.1.5.
func (c *Client) Echo(ctx context.Context) error {
	var got []string
	if err := c.rpc(ctx, "echo", &got, echoIdent); err != nil {
		return err
	}

	if len(got) != 1 || got[0] != echoIdent {
		return fmt.Errorf("ovsdb: server echoed back unexpected data: %v", got)
	}

	return nil
}
