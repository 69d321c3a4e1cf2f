// Package memtest provides an Open_vSwitch-like schema and helpers to build
// populated memory caches in tests.
package memtest

import (
	"testing"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinyovsdb/ovs/idl/memidl"
	"github.com/pingcap-incubator/tinyovsdb/ovs/schema"
	"github.com/stretchr/testify/require"
)

// SchemaJSON is a cut down Open_vSwitch database schema.
const SchemaJSON = `{
  "name": "Open_vSwitch",
  "version": "8.2.0",
  "tables": {
    "Open_vSwitch": {
      "columns": {
        "bridges": {"type": {"key": {"type": "uuid", "refTable": "Bridge"}, "min": 0, "max": "unlimited"}},
        "manager_options": {"type": {"key": {"type": "uuid", "refTable": "Manager"}, "min": 0, "max": "unlimited"}},
        "ssl": {"type": {"key": {"type": "uuid", "refTable": "SSL"}, "min": 0, "max": 1}},
        "ovs_version": {"type": {"key": "string", "min": 0, "max": 1}},
        "external_ids": {"type": {"key": "string", "value": "string", "min": 0, "max": "unlimited"}}
      },
      "isRoot": true,
      "maxRows": 1
    },
    "Bridge": {
      "columns": {
        "name": {"type": "string", "mutable": false},
        "datapath_type": {"type": "string"},
        "ports": {"type": {"key": {"type": "uuid", "refTable": "Port"}, "min": 0, "max": "unlimited"}},
        "controller": {"type": {"key": {"type": "uuid", "refTable": "Controller"}, "min": 0, "max": "unlimited"}},
        "netflow": {"type": {"key": {"type": "uuid", "refTable": "NetFlow"}, "min": 0, "max": 1}},
        "sflow": {"type": {"key": {"type": "uuid", "refTable": "sFlow"}, "min": 0, "max": 1}},
        "ipfix": {"type": {"key": {"type": "uuid", "refTable": "IPFIX"}, "min": 0, "max": 1}},
        "mirrors": {"type": {"key": {"type": "uuid", "refTable": "Mirror"}, "min": 0, "max": "unlimited"}},
        "flow_tables": {"type": {"key": {"type": "integer", "minInteger": 0, "maxInteger": 254}, "value": {"type": "uuid", "refTable": "Flow_Table"}, "min": 0, "max": "unlimited"}},
        "protocols": {"type": {"key": "string", "min": 0, "max": "unlimited"}},
        "fail_mode": {"type": {"key": "string", "min": 0, "max": 1}},
        "stp_enable": {"type": "boolean"},
        "external_ids": {"type": {"key": "string", "value": "string", "min": 0, "max": "unlimited"}},
        "other_config": {"type": {"key": "string", "value": "string", "min": 0, "max": "unlimited"}}
      },
      "indexes": [["name"]]
    },
    "Port": {
      "columns": {
        "name": {"type": "string", "mutable": false},
        "interfaces": {"type": {"key": {"type": "uuid", "refTable": "Interface"}, "min": 0, "max": "unlimited"}},
        "qos": {"type": {"key": {"type": "uuid", "refTable": "QoS"}, "min": 0, "max": 1}},
        "tag": {"type": {"key": "integer", "min": 0, "max": 1}},
        "trunks": {"type": {"key": "integer", "min": 0, "max": 4096}},
        "external_ids": {"type": {"key": "string", "value": "string", "min": 0, "max": "unlimited"}}
      },
      "indexes": [["name"]]
    },
    "Interface": {
      "columns": {
        "name": {"type": "string", "mutable": false},
        "type": {"type": "string"},
        "ofport": {"type": {"key": "integer", "min": 0, "max": 1}},
        "mtu": {"type": {"key": "real", "min": 0, "max": 1}},
        "options": {"type": {"key": "string", "value": "string", "min": 0, "max": "unlimited"}},
        "external_ids": {"type": {"key": "string", "value": "string", "min": 0, "max": "unlimited"}}
      },
      "indexes": [["name"]]
    },
    "Controller": {
      "columns": {
        "target": {"type": "string"},
        "external_ids": {"type": {"key": "string", "value": "string", "min": 0, "max": "unlimited"}}
      }
    },
    "Manager": {
      "columns": {
        "target": {"type": "string"},
        "external_ids": {"type": {"key": "string", "value": "string", "min": 0, "max": "unlimited"}}
      },
      "indexes": [["target"]]
    },
    "QoS": {
      "columns": {
        "type": {"type": "string"},
        "queues": {"type": {"key": "integer", "value": {"type": "uuid", "refTable": "Queue"}, "min": 0, "max": "unlimited"}},
        "external_ids": {"type": {"key": "string", "value": "string", "min": 0, "max": "unlimited"}}
      }
    },
    "Queue": {
      "columns": {
        "other_config": {"type": {"key": "string", "value": "string", "min": 0, "max": "unlimited"}},
        "external_ids": {"type": {"key": "string", "value": "string", "min": 0, "max": "unlimited"}}
      }
    },
    "Mirror": {
      "columns": {
        "name": {"type": "string"},
        "external_ids": {"type": {"key": "string", "value": "string", "min": 0, "max": "unlimited"}}
      }
    },
    "NetFlow": {
      "columns": {
        "targets": {"type": {"key": "string", "min": 0, "max": "unlimited"}},
        "external_ids": {"type": {"key": "string", "value": "string", "min": 0, "max": "unlimited"}}
      }
    },
    "sFlow": {
      "columns": {
        "targets": {"type": {"key": "string", "min": 0, "max": "unlimited"}},
        "agent": {"type": {"key": "string", "min": 0, "max": 1}},
        "external_ids": {"type": {"key": "string", "value": "string", "min": 0, "max": "unlimited"}}
      }
    },
    "IPFIX": {
      "columns": {
        "targets": {"type": {"key": "string", "min": 0, "max": "unlimited"}},
        "external_ids": {"type": {"key": "string", "value": "string", "min": 0, "max": "unlimited"}}
      }
    },
    "Flow_Table": {
      "columns": {
        "name": {"type": {"key": "string", "min": 0, "max": 1}},
        "flow_limit": {"type": {"key": "integer", "min": 0, "max": 1}},
        "external_ids": {"type": {"key": "string", "value": "string", "min": 0, "max": "unlimited"}}
      }
    },
    "SSL": {
      "columns": {
        "private_key": {"type": "string"},
        "certificate": {"type": "string"},
        "ca_cert": {"type": "string"},
        "external_ids": {"type": {"key": "string", "value": "string", "min": 0, "max": "unlimited"}}
      }
    }
  }
}`

// Schema parses SchemaJSON.
func Schema(t testing.TB) *schema.DatabaseSchema {
	s, err := schema.Parse([]byte(SchemaJSON))
	require.NoError(t, err)
	return s
}

// Row builds an update creating a row with a fresh identity.
func Row(table string, fields map[string]interface{}) memidl.Update {
	return memidl.Update{Table: table, UUID: uuid.New(), Fields: fields}
}

// NewCache returns a connected cache holding the given rows.
func NewCache(t testing.TB, rows ...memidl.Update) *memidl.Cache {
	c := memidl.New(Schema(t))
	c.Inject(rows...)
	_, err := c.Run()
	require.NoError(t, err)
	require.True(t, c.HasEverConnected())
	return c
}
