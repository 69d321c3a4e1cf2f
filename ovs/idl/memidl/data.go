package memidl

import (
	"encoding/json"
	"sort"

	"github.com/ghodss/yaml"
	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinyovsdb/ovs/idl"
	"github.com/pingcap-incubator/tinyovsdb/ovs/schema"
	"github.com/pingcap/errors"
)

// ParseData parses seed rows given as JSON or YAML, keyed by table name:
//
//	Bridge:
//	  - name: br0
//	    external_ids: {owner: neutron}
//
// A row may carry its identity in "_uuid"; rows without one get a new UUID.
func ParseData(s *schema.DatabaseSchema, data []byte) ([]Update, error) {
	js, err := yaml.YAMLToJSON(data)
	if err != nil {
		return nil, errors.Annotate(err, "convert seed data")
	}
	var doc map[string][]map[string]interface{}
	if err := json.Unmarshal(js, &doc); err != nil {
		return nil, errors.Annotate(err, "parse seed data")
	}
	var updates []Update
	for _, name := range sortedKeys(doc) {
		ts := s.Table(name)
		if ts == nil {
			return nil, errors.Errorf("seed data for unknown table %s", name)
		}
		for _, raw := range doc[name] {
			u := Update{Table: name, UUID: uuid.New(), Fields: make(map[string]interface{}, len(raw))}
			for col, v := range raw {
				if col == idl.UUIDColumn {
					str, _ := v.(string)
					id, err := uuid.Parse(str)
					if err != nil {
						return nil, errors.Annotatef(err, "seed row of %s", name)
					}
					u.UUID = id
					continue
				}
				if ts.Column(col) == nil {
					return nil, errors.Errorf("seed data for unknown column %s.%s", name, col)
				}
				u.Fields[col] = v
			}
			updates = append(updates, u)
		}
	}
	return updates, nil
}

func sortedKeys(doc map[string][]map[string]interface{}) []string {
	names := make([]string, 0, len(doc))
	for name := range doc {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
