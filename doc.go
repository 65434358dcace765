/*
Package tablekv provides typed tables over an embedded, memory-mapped,
single-writer/multi-reader key-value engine (LMDB).

Tables are declared once, up front, and opened together:

	users := tablekv.DefineIDTable(tablekv.TableDecl{Name: "users"}, tablekv.Fixed[User]())
	env, err := tablekv.NewBuilder(tablekv.DefaultOptions()).With(users).Build(dir)

Reads go through a transaction and return Views. A View may point straight
into the engine's map, so it is valid only while its transaction is open;
using it afterwards panics. View.Own copies a record out.

	tx, err := env.ReadTx()
	defer tx.Abort()
	u, ok, err := users.Read(tx).Get(id)

# Writes

Env.WriteTx returns a raw write transaction. Most callers should use the
write scheduler instead: Submit, TryWrite and Write queue jobs that run one
at a time on a dedicated goroutine, each inside its own transaction that is
committed when the job succeeds and aborted when it fails or panics.

	id, err := tablekv.Write(ctx, env, func(tx *tablekv.RwTxn) tablekv.ID[User] {
		id, _ := users.Write(tx).PutLast(&u)
		return id
	})

# Concurrency

An Env is safe for concurrent use. A transaction, and every table, cursor
and View obtained from it, belongs to one goroutine at a time. Write
transactions must stay on the goroutine that began them.

# Schema

Each store keeps a catalog of its tables' flags, compression and checksum,
and a schema version. Build refuses declarations that disagree with the
catalog (ErrSchemaMismatch) and stores whose recorded version is newer than
Options.SchemaVersion.
*/
package tablekv
