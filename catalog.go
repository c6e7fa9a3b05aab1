package main

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotCatalogued = errors.New("file not in catalog")

// CatalogEntry locates one archived file on a volume.
type CatalogEntry struct {
	FileID     string
	Session    string
	Volume     string
	Name       string
	FileNumber int   // tape file index, counting from the beginning of the partition
	StartBlock int64 // block address of the header record
	Size       int64
}

// Session is one backup run against a volume.
type Session struct {
	ID      string
	Volume  string
	Started time.Time
	Files   int
}

// Catalog records what has been written to which volume.
type Catalog struct {
	db *sql.DB
}

// OpenCatalog opens or creates the catalog database. If clean is set an
// existing database is removed first.
func OpenCatalog(dbName string, clean bool) (*Catalog, error) {
	if clean {
		if err := os.Remove(dbName); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", dbName)
	if err != nil {
		return nil, fmt.Errorf("could not open catalog %s: %w", dbName, err)
	}
	// sqlite allows one writer at a time
	db.SetMaxOpenConns(1)
	// create sessions table
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS sessions (sessionid TEXT NOT NULL PRIMARY KEY, volume TEXT NOT NULL, started INT)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("could not create sessions table: %w", err)
	}
	// create files table
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS files (fileid TEXT NOT NULL PRIMARY KEY, sessionid TEXT, volume TEXT NOT NULL, name TEXT NOT NULL, filenumber INT, startblock INT, size INT)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("could not create files table: %w", err)
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS files_volume ON files (volume, filenumber)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("could not create files index: %w", err)
	}
	return &Catalog{db: db}, nil
}

func (c *Catalog) Close() error {
	return c.db.Close()
}

func (c *Catalog) AddSession(s Session) error {
	sql := "INSERT OR REPLACE INTO sessions (sessionid, volume, started) VALUES (?,?,?)"
	_, err := c.db.Exec(sql, s.ID, s.Volume, s.Started.UnixNano())
	return err
}

// Sessions lists the backup runs on volume, oldest first, with their file counts.
func (c *Catalog) Sessions(volume string) ([]Session, error) {
	sql := `SELECT s.sessionid, s.started, COUNT(f.fileid) FROM sessions s
		LEFT JOIN files f ON f.sessionid = s.sessionid
		WHERE s.volume = ? GROUP BY s.sessionid ORDER BY s.started`
	rows, err := c.db.Query(sql, volume)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sessions []Session
	for rows.Next() {
		s := Session{Volume: volume}
		var started int64
		if err := rows.Scan(&s.ID, &started, &s.Files); err != nil {
			return nil, err
		}
		s.Started = time.Unix(0, started)
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// AddFile records a file. Recording the same file ID again replaces the entry.
func (c *Catalog) AddFile(e CatalogEntry) error {
	sql := "INSERT OR REPLACE INTO files (fileid, sessionid, volume, name, filenumber, startblock, size) VALUES (?,?,?,?,?,?,?)"
	_, err := c.db.Exec(sql, e.FileID, e.Session, e.Volume, e.Name, e.FileNumber, e.StartBlock, e.Size)
	return err
}

// Files lists the files on volume in tape order.
func (c *Catalog) Files(volume string) ([]CatalogEntry, error) {
	sql := "SELECT fileid, sessionid, name, filenumber, startblock, size FROM files WHERE volume = ? ORDER BY filenumber"
	rows, err := c.db.Query(sql, volume)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []CatalogEntry
	for rows.Next() {
		e := CatalogEntry{Volume: volume}
		if err := rows.Scan(&e.FileID, &e.Session, &e.Name, &e.FileNumber, &e.StartBlock, &e.Size); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Lookup returns the most recently written file called name on volume, the
// copy furthest along the tape.
func (c *Catalog) Lookup(volume, name string) (CatalogEntry, error) {
	e := CatalogEntry{Volume: volume, Name: name}
	query := "SELECT fileid, sessionid, filenumber, startblock, size FROM files WHERE volume = ? AND name = ? ORDER BY startblock DESC LIMIT 1"
	err := c.db.QueryRow(query, volume, name).Scan(&e.FileID, &e.Session, &e.FileNumber, &e.StartBlock, &e.Size)
	if errors.Is(err, sql.ErrNoRows) {
		return e, fmt.Errorf("%w: %s on %s", ErrNotCatalogued, name, volume)
	}
	return e, err
}

// NextFileNumber is the tape file index the next archived file on volume gets.
func (c *Catalog) NextFileNumber(volume string) (int, error) {
	var next int
	err := c.db.QueryRow("SELECT COALESCE(MAX(filenumber) + 1, 0) FROM files WHERE volume = ?", volume).Scan(&next)
	return next, err
}

// ForgetVolume drops every entry for volume, used when the media is erased
// or rescanned.
func (c *Catalog) ForgetVolume(volume string) error {
	if _, err := c.db.Exec("DELETE FROM files WHERE volume = ?", volume); err != nil {
		return err
	}
	_, err := c.db.Exec("DELETE FROM sessions WHERE volume = ?", volume)
	return err
}
