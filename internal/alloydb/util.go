// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package alloydb

import "github.com/GoogleCloudPlatform/alloydb-go-connector/errtype"

// errClosed builds the typed error returned to callers whose operation
// was pending on, or arrived after, a cache's Close.
func errClosed(inst InstanceURI) error {
	return errtype.NewClosedError("instance is closed", inst.String())
}
