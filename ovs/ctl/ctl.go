// Package ctl parses ovs-vsctl style command lines into database commands.
//
// A line holds one or more commands separated by "--"; all of them run in
// one transaction. Options precede the command name:
//
//	--id=@br create Bridge name=br0 -- add Open_vSwitch . bridges @br
//	--if-exists set Bridge br0 external_ids:owner=ops
//	--columns=name,ports list Bridge
package ctl

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/mattn/go-shellwords"
	"github.com/pingcap-incubator/tinyovsdb/ovs/api"
	"github.com/pingcap-incubator/tinyovsdb/ovs/commands"
	"github.com/pingcap-incubator/tinyovsdb/ovs/condition"
	"github.com/pingcap-incubator/tinyovsdb/ovs/idl"
	"github.com/pingcap-incubator/tinyovsdb/ovs/schema"
	"github.com/pingcap-incubator/tinyovsdb/ovs/txn"
	"github.com/pingcap/errors"
)

// Usage lists the supported commands.
const Usage = `create TABLE COLUMN[:KEY]=VALUE...
destroy TABLE RECORD...
set TABLE RECORD COLUMN[:KEY]=VALUE...
add TABLE RECORD COLUMN VALUE...
remove TABLE RECORD COLUMN VALUE...
clear TABLE RECORD COLUMN...
get TABLE RECORD COLUMN...
list TABLE [RECORD]...
find TABLE [COLUMN[:KEY]OP VALUE]...

options: --id=@NAME (create), --if-exists (set, remove, list),
         --columns=COLUMN,... (list, find)`

// Split splits a command line into the words of each "--" separated
// command.
func Split(line string) ([][]string, error) {
	words, err := shellwords.Parse(line)
	if err != nil {
		return nil, errors.Annotate(err, "split command line")
	}
	return SplitArgs(words), nil
}

// SplitArgs groups words into "--" separated commands. Empty commands are
// dropped.
func SplitArgs(words []string) [][]string {
	var (
		cmds [][]string
		cur  []string
	)
	for _, w := range words {
		if w == "--" {
			if len(cur) > 0 {
				cmds = append(cmds, cur)
			}
			cur = nil
			continue
		}
		cur = append(cur, w)
	}
	if len(cur) > 0 {
		cmds = append(cmds, cur)
	}
	return cmds
}

// Command is one parsed ctl command. It expands to one or more database
// commands.
type Command struct {
	Name     string
	Table    string
	Args     []string
	ID       string
	IfExists bool
	Columns  []string

	cmds []txn.Command
}

// Commands returns the database commands c expands to.
func (c *Command) Commands() []txn.Command { return c.cmds }

// Batch is the commands of one line.
type Batch struct {
	Commands []*Command
}

type parser struct {
	backend *api.Backend
	schema  *schema.DatabaseSchema
	ids     map[string]txn.Command
}

// Parse builds a batch from "--" separated commands.
func Parse(b *api.Backend, cmds [][]string) (*Batch, error) {
	p := &parser{backend: b, schema: b.Connection().Schema(), ids: make(map[string]txn.Command)}
	batch := &Batch{}
	for _, words := range cmds {
		c, err := p.parse(words)
		if err != nil {
			return nil, err
		}
		batch.Commands = append(batch.Commands, c)
	}
	if len(batch.Commands) == 0 {
		return nil, errors.New("no command given")
	}
	return batch, nil
}

// ParseLine splits and parses a command line.
func ParseLine(b *api.Backend, line string) (*Batch, error) {
	cmds, err := Split(line)
	if err != nil {
		return nil, err
	}
	return Parse(b, cmds)
}

func (p *parser) parse(words []string) (*Command, error) {
	c := &Command{}
	for len(words) > 0 && strings.HasPrefix(words[0], "--") {
		opt := words[0]
		words = words[1:]
		name, val, _ := cut(opt[2:], '=')
		switch name {
		case "if-exists":
			c.IfExists = true
		case "id":
			if !strings.HasPrefix(val, "@") || len(val) < 2 {
				return nil, errors.Errorf("id %q does not start with @", val)
			}
			c.ID = val
		case "columns":
			for _, col := range strings.Split(val, ",") {
				if col = strings.TrimSpace(col); col != "" {
					c.Columns = append(c.Columns, col)
				}
			}
		default:
			return nil, errors.Errorf("unknown option %s", opt)
		}
	}
	if len(words) < 2 {
		return nil, errors.Errorf("command %q needs a table", strings.Join(words, " "))
	}
	c.Name, c.Table, c.Args = words[0], words[1], words[2:]
	ts := p.schema.Table(c.Table)
	if ts == nil {
		return nil, errors.Errorf("unknown table %q", c.Table)
	}
	if err := p.checkOptions(c); err != nil {
		return nil, err
	}
	if err := p.build(c, ts); err != nil {
		return nil, errors.Annotatef(err, "%s %s", c.Name, c.Table)
	}
	return c, nil
}

func (p *parser) checkOptions(c *Command) error {
	if c.ID != "" && c.Name != "create" {
		return errors.Errorf("--id is only valid with create, not %s", c.Name)
	}
	if c.IfExists && c.Name != "set" && c.Name != "remove" && c.Name != "list" {
		return errors.Errorf("--if-exists is not valid with %s", c.Name)
	}
	if len(c.Columns) > 0 && c.Name != "list" && c.Name != "find" {
		return errors.Errorf("--columns is not valid with %s", c.Name)
	}
	return nil
}

func needArgs(c *Command, n int) error {
	if len(c.Args) < n {
		return errors.Errorf("%s needs at least %d arguments after the table", c.Name, n)
	}
	return nil
}

func (p *parser) build(c *Command, ts *schema.TableSchema) error {
	b := p.backend
	switch c.Name {
	case "create":
		cvs, err := p.assignments(ts, c.Args)
		if err != nil {
			return err
		}
		cmd := commands.NewDbCreate(b.Resolver(), c.Table, cvs...)
		if c.ID != "" {
			if _, dup := p.ids[c.ID]; dup {
				return errors.Errorf("id %s is already defined", c.ID)
			}
			p.ids[c.ID] = cmd
		}
		c.cmds = append(c.cmds, cmd)
	case "destroy":
		if err := needArgs(c, 1); err != nil {
			return err
		}
		for _, rec := range c.Args {
			c.cmds = append(c.cmds, b.DbDestroy(c.Table, p.record(rec)))
		}
	case "set":
		if err := needArgs(c, 2); err != nil {
			return err
		}
		cvs, err := p.assignments(ts, c.Args[1:])
		if err != nil {
			return err
		}
		cmd := commands.NewDbSet(b.Resolver(), c.Table, p.record(c.Args[0]), cvs...)
		cmd.IfExists = c.IfExists
		c.cmds = append(c.cmds, cmd)
	case "add":
		if err := needArgs(c, 3); err != nil {
			return err
		}
		col, err := column(ts, c.Args[1])
		if err != nil {
			return err
		}
		vals, err := p.values(col, c.Args[2:])
		if err != nil {
			return err
		}
		c.cmds = append(c.cmds, b.DbAdd(c.Table, p.record(c.Args[0]), col.Name, vals...))
	case "remove":
		if err := needArgs(c, 3); err != nil {
			return err
		}
		cmd, err := p.remove(c, ts)
		if err != nil {
			return err
		}
		c.cmds = append(c.cmds, cmd)
	case "clear":
		if err := needArgs(c, 2); err != nil {
			return err
		}
		for _, name := range c.Args[1:] {
			if _, err := column(ts, name); err != nil {
				return err
			}
			c.cmds = append(c.cmds, b.DbClear(c.Table, p.record(c.Args[0]), name))
		}
	case "get":
		if err := needArgs(c, 2); err != nil {
			return err
		}
		for _, name := range c.Args[1:] {
			if name != idl.UUIDColumn {
				if _, err := column(ts, name); err != nil {
					return err
				}
			}
			c.cmds = append(c.cmds, b.DbGet(c.Table, p.record(c.Args[0]), name))
		}
	case "list":
		var records []interface{}
		for _, rec := range c.Args {
			records = append(records, p.record(rec))
		}
		c.cmds = append(c.cmds, b.DbList(c.Table, records, c.Columns, c.IfExists))
	case "find":
		conds := make([]condition.Condition, 0, len(c.Args))
		for _, arg := range c.Args {
			cond, err := p.condition(ts, arg)
			if err != nil {
				return err
			}
			conds = append(conds, cond)
		}
		cmd := b.DbFind(c.Table, conds...)
		cmd.Columns = c.Columns
		c.cmds = append(c.cmds, cmd)
	default:
		return errors.Errorf("unknown command %q", c.Name)
	}
	return nil
}

// record turns a record argument into a resolver input; "@name" refers to a
// row created earlier in the batch.
func (p *parser) record(text string) interface{} {
	if cmd, ok := p.ids[text]; ok {
		return txn.FromCommand(cmd)
	}
	return text
}

func column(ts *schema.TableSchema, name string) (*schema.ColumnSchema, error) {
	col := ts.Column(name)
	if col == nil {
		return nil, errors.Errorf("table %s has no column %s", ts.Name, name)
	}
	return col, nil
}

func (p *parser) value(col *schema.ColumnSchema, text string) (interface{}, error) {
	if cmd, ok := p.ids[strings.TrimSpace(text)]; ok {
		return txn.FromCommand(cmd), nil
	}
	return ParseValue(col, text)
}

func (p *parser) values(col *schema.ColumnSchema, texts []string) ([]interface{}, error) {
	vals := make([]interface{}, 0, len(texts))
	for _, text := range texts {
		v, err := p.value(col, text)
		if err != nil {
			return nil, err
		}
		vals = append(vals, v)
	}
	return vals, nil
}

// assignments parses COLUMN=VALUE and COLUMN:KEY=VALUE arguments. Keyed
// assignments to the same map column are merged.
func (p *parser) assignments(ts *schema.TableSchema, args []string) ([]commands.ColumnValue, error) {
	var cvs []commands.ColumnValue
	keyed := make(map[string]int)
	for _, arg := range args {
		lhs, rhs, ok := cut(arg, '=')
		if !ok {
			return nil, errors.Errorf("%q is not a COLUMN=VALUE assignment", arg)
		}
		name, key, hasKey := cut(lhs, ':')
		col, err := column(ts, name)
		if err != nil {
			return nil, err
		}
		if !hasKey {
			v, err := p.value(col, rhs)
			if err != nil {
				return nil, err
			}
			cvs = append(cvs, commands.ColumnValue{Column: name, Value: v})
			continue
		}
		entry, err := mapEntry(col, key, rhs)
		if err != nil {
			return nil, err
		}
		if i, ok := keyed[name]; ok {
			for k, v := range entry {
				cvs[i].Value.(idl.Map)[k] = v
			}
			continue
		}
		keyed[name] = len(cvs)
		cvs = append(cvs, commands.ColumnValue{Column: name, Value: entry})
	}
	return cvs, nil
}

func mapEntry(col *schema.ColumnSchema, key, val string) (idl.Map, error) {
	if !col.Type.IsMap() {
		return nil, errors.Errorf("column %s is not a map", col.Name)
	}
	k, err := ParseAtom(col.Type.Key, key)
	if err != nil {
		return nil, errors.Annotatef(err, "key of column %s", col.Name)
	}
	v, err := ParseAtom(*col.Type.Value, val)
	if err != nil {
		return nil, errors.Annotatef(err, "value of column %s", col.Name)
	}
	return idl.Map{k: v}, nil
}

// remove builds a DbRemove. For map columns a bare KEY removes the key and
// KEY=VALUE removes it only if it holds VALUE.
func (p *parser) remove(c *Command, ts *schema.TableSchema) (txn.Command, error) {
	col, err := column(ts, c.Args[1])
	if err != nil {
		return nil, err
	}
	cmd := commands.NewDbRemove(p.backend.Resolver(), c.Table, p.record(c.Args[0]), col.Name)
	cmd.IfExists = c.IfExists
	if !col.Type.IsMap() {
		if cmd.Values, err = p.values(col, c.Args[2:]); err != nil {
			return nil, err
		}
		return cmd, nil
	}
	for _, arg := range c.Args[2:] {
		k, v, hasValue := cut(arg, '=')
		if !hasValue {
			key, err := ParseAtom(col.Type.Key, k)
			if err != nil {
				return nil, errors.Annotatef(err, "key of column %s", col.Name)
			}
			cmd.Values = append(cmd.Values, key)
			continue
		}
		entry, err := mapEntry(col, k, v)
		if err != nil {
			return nil, err
		}
		if cmd.KeyValues == nil {
			cmd.KeyValues = make(map[string]interface{})
		}
		for ek, ev := range entry {
			cmd.KeyValues[fmt.Sprint(ek)] = ev
		}
	}
	return cmd, nil
}

var operators = []string{"!=", "<=", ">=", "=", "<", ">"}

// condition parses COLUMN[:KEY]OP VALUE.
func (p *parser) condition(ts *schema.TableSchema, arg string) (condition.Condition, error) {
	at := strings.IndexAny(arg, "=!<>")
	if at <= 0 {
		return condition.Condition{}, errors.Errorf("%q is not a COLUMN OP VALUE condition", arg)
	}
	lhs, rest := arg[:at], arg[at:]
	var opText string
	for _, o := range operators {
		if strings.HasPrefix(rest, o) {
			opText = o
			break
		}
	}
	if opText == "" {
		return condition.Condition{}, errors.Errorf("%q has no valid operator", arg)
	}
	op, err := condition.ParseOp(opText)
	if err != nil {
		return condition.Condition{}, err
	}
	rhs := rest[len(opText):]
	name, key, hasKey := cut(lhs, ':')
	if name == idl.UUIDColumn {
		id, err := ParseAtom(schema.BaseType{Type: schema.TypeUUID}, rhs)
		if err != nil {
			return condition.Condition{}, err
		}
		return condition.New(name, op, id), nil
	}
	col, err := column(ts, name)
	if err != nil {
		return condition.Condition{}, err
	}
	var v interface{}
	if hasKey {
		v, err = mapEntry(col, key, rhs)
	} else {
		v, err = p.value(col, rhs)
	}
	if err != nil {
		return condition.Condition{}, err
	}
	return condition.New(name, op, v), nil
}

// Run commits the batch in one transaction and returns the output of each
// command.
func (b *Batch) Run(ctx context.Context, backend *api.Backend, opts txn.Options) ([]string, error) {
	_, err := backend.Transaction(ctx, opts, func(ctx context.Context, t *txn.Transaction) error {
		for _, c := range b.Commands {
			t.Extend(c.cmds...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]string, len(b.Commands))
	for i, c := range b.Commands {
		out[i] = c.Output()
	}
	return out, nil
}

// Output renders the results of a committed command the way ovs-vsctl
// prints them.
func (c *Command) Output() string {
	var lines []string
	switch c.Name {
	case "create":
		lines = append(lines, fmt.Sprint(c.cmds[0].Result()))
	case "get":
		for _, cmd := range c.cmds {
			lines = append(lines, idl.Format(cmd.Result()))
		}
	case "list", "find":
		rows, _ := c.cmds[0].Result().([]commands.Values)
		var records []string
		for _, row := range rows {
			records = append(records, formatRecord(row, c.Columns))
		}
		return strings.Join(records, "\n\n")
	}
	return strings.Join(lines, "\n")
}

func formatRecord(row commands.Values, columns []string) string {
	if len(columns) == 0 {
		for name := range row {
			if name != idl.UUIDColumn {
				columns = append(columns, name)
			}
		}
		sort.Strings(columns)
		columns = append([]string{idl.UUIDColumn}, columns...)
	}
	lines := make([]string, len(columns))
	for i, name := range columns {
		lines[i] = fmt.Sprintf("%-20s: %s", name, idl.Format(row[name]))
	}
	return strings.Join(lines, "\n")
}
