// Package symdb writes the optional SQLite symbol index mapping every
// emitted class, method, and field to its mangled symbol and class-id, for
// build drivers and debuggers.
package symdb

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/SwitchGDX/clearwing-vm/model"
)

// DBFile is the index's file name in the output root.
const DBFile = "clearwing.db"

const schema = `
CREATE TABLE classes (
	id      INTEGER PRIMARY KEY,
	name    TEXT NOT NULL UNIQUE,
	kind    TEXT NOT NULL,
	super   TEXT,
	header  TEXT NOT NULL
);
CREATE TABLE methods (
	class_id INTEGER NOT NULL REFERENCES classes(id),
	name     TEXT NOT NULL,
	desc     TEXT NOT NULL,
	symbol   TEXT NOT NULL,
	vslot    INTEGER NOT NULL,
	flags    INTEGER NOT NULL
);
CREATE TABLE fields (
	class_id INTEGER NOT NULL REFERENCES classes(id),
	name     TEXT NOT NULL,
	desc     TEXT NOT NULL,
	emit     TEXT NOT NULL,
	slot     INTEGER NOT NULL,
	static   INTEGER NOT NULL
);
CREATE INDEX methods_by_symbol ON methods(symbol);
`

// Write creates (or replaces) the symbol index at path from a frozen
// program.
func Write(path string, prog *model.Program) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("symdb: open %s: %w", path, err)
	}
	defer db.Close()

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("symdb: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(schema); err != nil {
		return fmt.Errorf("symdb: create schema: %w", err)
	}

	insClass, err := tx.Prepare("INSERT INTO classes (id, name, kind, super, header) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return err
	}
	insMethod, err := tx.Prepare("INSERT INTO methods (class_id, name, desc, symbol, vslot, flags) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return err
	}
	insField, err := tx.Prepare("INSERT INTO fields (class_id, name, desc, emit, slot, static) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return err
	}

	for _, c := range prog.Classes() {
		super := ""
		if c.Super != nil {
			super = c.Super.Name
		}
		header := model.MangleClass(c.Name) + ".h"
		if _, err := insClass.Exec(c.ID, c.Name, c.Kind.String(), super, header); err != nil {
			return fmt.Errorf("symdb: insert class %s: %w", c.Name, err)
		}
		for _, m := range c.Methods {
			sym := model.MangleMethod(c.Name, m.Name, m.Desc)
			if _, err := insMethod.Exec(c.ID, m.Name, m.Desc, sym, m.VSlot, m.Access); err != nil {
				return fmt.Errorf("symdb: insert method %s: %w", m, err)
			}
		}
		for _, f := range c.Fields {
			static := 0
			if f.IsStatic() {
				static = 1
			}
			if _, err := insField.Exec(c.ID, f.Name, f.Desc, f.EmitName, f.Slot, static); err != nil {
				return fmt.Errorf("symdb: insert field %s: %w", f, err)
			}
		}
	}
	return tx.Commit()
}
