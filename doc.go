/*
 *
 * Copyright 2023 CubeFS authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

/*

# ConfDB: the configuration store of a network virtualization control plane

## Data Model

* Resource, identified by a uuid and a fq_name unique per type, carrying
  properties, property lists, property maps, refs, back refs and children.

* Row, a resource encoded as prefixed columns (prop, propl, propm, ref,
  backref, children, parent, META) in the obj_uuid table.

* FQ name index, <type> --> <fq_name:uuid> columns in the obj_fq_name table.

* Shared index, <type> --> <share type:id:uuid> columns in the obj_shared table.

## Request Pipeline

type dispatch --> pre hook --> store mutation --> post hook --> notification

Hooks push compensating actions on a per request undo stack. A failing
request unwinds the stack in reverse order, a committed one publishes its
notifications.

## Building Blocks

* Rocksdb or Cassandra, the wide column store
* Redis or the local kv store, the id allocator
* Prometheus
* An LRU object cache checked against META:latest_col_ts

*/

package confdb
