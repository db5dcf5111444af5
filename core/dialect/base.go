package dialect

import (
	"fmt"
	"strings"

	"github.com/orb-framework/orb-sub003/core/query"
	"github.com/orb-framework/orb-sub003/core/schema"
)

// Standard is the ANSI flavoured base every concrete dialect inherits from.
var Standard = &Dialect{
	Name:        "base",
	Quote:       QuoteANSI,
	Placeholder: QuestionPlaceholder,

	Types: map[schema.ColumnType]string{
		schema.TypeBoolean:    "BOOLEAN",
		schema.TypeBinary:     "BLOB",
		schema.TypeData:       "TEXT",
		schema.TypeDate:       "DATE",
		schema.TypeDatetime:   "TIMESTAMP",
		schema.TypeDatetimeTZ: "TIMESTAMP WITH TIME ZONE",
		schema.TypeDecimal:    "DECIMAL(%d,%d)",
		schema.TypeDict:       "TEXT",
		schema.TypeFloat:      "DOUBLE PRECISION",
		schema.TypeInteger:    "INTEGER",
		schema.TypeInterval:   "INTERVAL",
		schema.TypeLong:       "BIGINT",
		schema.TypeQuery:      "TEXT",
		schema.TypeReference:  "BIGINT",
		schema.TypeSerial:     "BIGINT",
		schema.TypeString:     "VARCHAR(%d)",
		schema.TypeText:       "TEXT",
		schema.TypeTime:       "TIME",
		schema.TypeTimestamp:  "TIMESTAMP",
		schema.TypeYAML:       "TEXT",
	},

	Flags: map[schema.Flag]string{
		schema.FlagRequired:      "NOT NULL",
		schema.FlagUnique:        "UNIQUE",
		schema.FlagAutoIncrement: "AUTO_INCREMENT",
	},

	Ops: map[OpKey]Token{
		{Op: query.Is}:                 {Text: "="},
		{Op: query.IsNot}:              {Text: "!="},
		{Op: query.LessThan}:           {Text: "<"},
		{Op: query.LessThanOrEqual}:    {Text: "<="},
		{Op: query.Before}:             {Text: "<"},
		{Op: query.GreaterThan}:        {Text: ">"},
		{Op: query.GreaterThanOrEqual}: {Text: ">="},
		{Op: query.After}:              {Text: ">"},
		{Op: query.Between}:            {Text: "BETWEEN"},
		{Op: query.Contains}:           {Text: "LIKE"},
		{Op: query.DoesNotContain}:     {Text: "NOT LIKE"},
		{Op: query.Startswith}:         {Text: "LIKE"},
		{Op: query.Endswith}:           {Text: "LIKE"},
		{Op: query.DoesNotStartwith}:   {Text: "NOT LIKE"},
		{Op: query.DoesNotEndwith}:     {Text: "NOT LIKE"},
		{Op: query.Matches}:            {Text: "REGEXP"},
		{Op: query.DoesNotMatch}:       {Text: "NOT REGEXP"},
		{Op: query.IsIn}:               {Text: "IN"},
		{Op: query.IsNotIn}:            {Text: "NOT IN"},
	},

	Math: map[MathKey]string{
		{Op: query.Add}:      "+",
		{Op: query.Subtract}: "-",
		{Op: query.Multiply}: "*",
		{Op: query.Divide}:   "/",
		{Op: query.MathAnd}:  "&",
		{Op: query.MathOr}:   "|",
	},

	Funcs: map[query.Func]string{
		query.Lower:    "lower(%s)",
		query.Upper:    "upper(%s)",
		query.Abs:      "abs(%s)",
		query.AsString: "CAST(%s AS VARCHAR)",
	},

	Statements: Statements{
		IndexColumn:  indexColumn,
		Upsert:       upsertOnConflict,
		InsertedKeys: returningKeys,
		TableExists:  tableExists,
		TableColumns: tableColumns,
		SchemaInfo:   schemaInfo,
	},

	Classifier:        MessageClassifier{},
	SupportsReturning: true,
	DriverTimeout:     true,
	Namespaces:        true,
	IndexIfNotExists:  true,
	DefaultValues:     "DEFAULT VALUES",
	CurrentSchema:     "current_schema()",
}

func init() {
	MustRegister(Standard)
}

func indexColumn(c *Compiler, col *schema.Column) string {
	return c.Quote(col.Field)
}

func upsertOnConflict(c *Compiler, conflict, update []string) string {
	keys := make([]string, len(conflict))
	for i, name := range conflict {
		keys[i] = c.Quote(name)
	}
	if len(update) == 0 {
		return fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", strings.Join(keys, ", "))
	}
	sets := make([]string, len(update))
	for i, name := range update {
		sets[i] = fmt.Sprintf("%s = excluded.%s", c.Quote(name), c.Quote(name))
	}
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", strings.Join(keys, ", "), strings.Join(sets, ", "))
}

func returningKeys(c *Compiler, s *schema.Schema) string {
	pk, err := s.PrimaryColumn()
	if err != nil {
		return ""
	}
	return "RETURNING " + c.Quote(pk.Field)
}

// NamespaceFilter renders the comparison of an information_schema column
// against namespace, or against the connection's current schema when
// namespace is empty.
func (c *Compiler) NamespaceFilter(column, namespace string, io *IO) string {
	if namespace == "" {
		return fmt.Sprintf("%s = %s", column, c.dialect.CurrentSchema)
	}
	return fmt.Sprintf("%s = %s", column, io.Add(namespace))
}

func tableExists(c *Compiler, table, namespace string, io *IO) string {
	filter := c.NamespaceFilter("table_schema", namespace, io)
	return fmt.Sprintf("SELECT COUNT(*) AS %s FROM information_schema.tables WHERE %s AND table_name = %s",
		c.Quote("count"), filter, io.Add(table))
}

func tableColumns(c *Compiler, table, namespace string, io *IO) string {
	filter := c.NamespaceFilter("table_schema", namespace, io)
	return fmt.Sprintf("SELECT column_name AS %s FROM information_schema.columns WHERE %s AND table_name = %s ORDER BY ordinal_position",
		c.Quote("name"), filter, io.Add(table))
}

// schemaInfo lists table names only; aggregation functions are not portable,
// so concrete dialects fill in fields and indexes.
func schemaInfo(c *Compiler, namespace string, io *IO) string {
	filter := c.NamespaceFilter("t.table_schema", namespace, io)
	return fmt.Sprintf("SELECT t.table_name AS %s, NULL AS %s, NULL AS %s FROM information_schema.tables t WHERE %s ORDER BY t.table_name",
		c.Quote("name"), c.Quote("fields"), c.Quote("indexes"), filter)
}
