// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"reflect"

	"github.com/go-viper/mapstructure/v2"
)

// backendDecodeHook lets a `backends:` entry be either a bare string
// ("host:port") or a map ({addr: "host:port", drain: true}), matching
// original_source/src/core/balancer.rs's BackendConfig::{Simple,Detailed}
// enum -- Go has no tagged union, so a mapstructure decode hook is the
// idiomatic stand-in, inspected before the struct's normal field decode.
func backendDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(Backend{}) {
			return data, nil
		}
		switch from.Kind() {
		case reflect.String:
			return Backend{Addr: data.(string)}, nil
		case reflect.Map:
			m, ok := data.(map[string]interface{})
			if !ok {
				return data, nil
			}
			b := Backend{}
			if addr, ok := m["addr"].(string); ok {
				b.Addr = addr
			} else {
				return nil, fmt.Errorf("config: backend map entry missing string \"addr\"")
			}
			if drain, ok := m["drain"].(bool); ok {
				b.Drain = drain
			}
			return b, nil
		default:
			return data, nil
		}
	}
}
