/*
Package sqlstage is a convenience layer for SQL databases that binds Go
values directly into SQL statement templates, stages Go sequences as
temporary tables, and materializes result rows back into Go values.

The SQL syntax is expanded with holes that name the Go values a statement
consumes. This package does not parse the SQL itself, only the holes found
within it.

# Parameters

The character $ marks a parameter hole. A hole can reference a member of a
struct argument by type and column name, or take the next positional
argument:

	$Person.name    the "name" column value of the Person argument
	$?              the next positional argument

Holes become named SQL parameters. The parameter name is inferred from the
member name, or generated as Parameter_1, Parameter_2 and so on for
positional arguments. Wrap a positional argument in [Named] to choose the
name yourself. Given the tagged struct:

	type Person struct {
		Name string `db:"name"`
		ID   int64  `db:"id,key"`
	}

one can write:

	stmt := sqlstage.MustPrepare(`
		SELECT id FROM person WHERE name = $Person.name AND team = $?`)
	id, err := sqlstage.Get[int64](db, stmt, person, "engineering")

# Staged sequences

The character # marks a staged sequence hole. The slice argument it
references is loaded into a temporary table, and the hole is replaced with
the table's name:

	stmt := sqlstage.MustPrepare(`
		SELECT name FROM person WHERE id IN (SELECT "Value" FROM #?)`)
	names, err := sqlstage.Select[string](db, stmt, []int64{1, 2, 3})

A slice of a scalar type becomes a single column table named "Value". A
slice of a tagged struct becomes a table with one column per mapped field.
The physical table names carry a uniqueness token, so concurrent executions
of the same statement never collide. The tables live as long as the
execution: they are dropped when the result stream is closed or exhausted.

# Materialization

Result rows are materialized by shape. [Get] and [Select] decode rows into a
struct with mapped fields, or into a single column host type such as int64,
string, time.Time, [Char], uuid.UUID or decimal.Decimal. [Rows.Scan] decodes
a row positionally into up to seven destinations. A value that does not fit
its destination is reported as a [CastError] naming the column, the value
and both types.
*/
package sqlstage
