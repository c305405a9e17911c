// Copyright 2019 Google LLC
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

// Package apptest runs bound applications in memory for tests.
package apptest

import (
	"fmt"
	"net"
	"testing"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"opentune.dev/opentune/internal/appmain"
	"opentune.dev/opentune/internal/config"
	"opentune.dev/opentune/internal/consts"
)

// TestApp starts the binds on free local ports and stops them when the test
// ends. cfg gets the chosen admin ports.
func TestApp(t *testing.T, cfg config.Mutable, binds ...appmain.Bind) *appmain.App {
	t.Helper()
	ls := &listenerStorage{l: map[string]net.Listener{}}
	for _, key := range []string{consts.AdminGRPCPort, consts.AdminHTTPPort} {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		port := l.Addr().(*net.TCPAddr).Port
		cfg.Set(key, port)
		ls.l[fmt.Sprintf(":%d", port)] = l
	}

	getCfg := func() (config.View, error) {
		return cfg, nil
	}
	bindAll := func(p *appmain.Params, b *appmain.Bindings) error {
		for _, bind := range binds {
			if err := bind(p, b); err != nil {
				return err
			}
		}
		return nil
	}

	app, err := appmain.StartApplication("test", bindAll, getCfg, ls.listen)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := app.Stop(); err != nil {
			t.Error(err)
		}
	})
	return app
}

// GRPCClient dials the admin gRPC server of app.
func GRPCClient(t *testing.T, app *appmain.App) *grpc.ClientConn {
	t.Helper()
	conn, err := grpc.Dial(app.GRPCAddr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := conn.Close(); err != nil {
			t.Error(err)
		}
	})
	return conn
}

// listenerStorage hands out listeners opened before the application starts,
// so that tests know the ports in advance.
type listenerStorage struct {
	l map[string]net.Listener
}

func (ls *listenerStorage) listen(network, address string) (net.Listener, error) {
	l, ok := ls.l[address]
	if ok {
		delete(ls.l, address)
		return l, nil
	}
	return nil, errors.Errorf("Listener for \"%s\" was not passed to TestApp or was already used", address)
}
