// This is the startup program
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	pkgerrors "github.com/pkg/errors"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"

	. "tapeio/tapehardware"
	. "tapeio/utils"
)

// what a run was asked to do
type command struct {
	backup    []string
	list      bool
	restore   string
	dest      string
	scan      bool
	export    bool
	info      bool
	format    int
	erase     bool
	tension   bool
	eject     bool
	cartridge string
}

// needs the drive for anything but -list
func (c command) needsTape() bool {
	return len(c.backup) > 0 || c.restore != "" || c.scan || c.export || c.info || c.format > 0 || c.erase || c.tension
}

func main() {
	// get the command line arguments
	configFile := flag.String("config", DEFAULT_CONFIG_FILE, "JSON or YAML file that configures the drive")
	logFile := flag.String("log", "", "Log file for this run, overrides the config file")
	clean := flag.Bool("clean", false, "Clean the log and catalog files")
	simulate := flag.Bool("simulate", false, "Use a simulated drive backed by image files")
	simDir := flag.String("simdir", "", "Directory holding simulated tape images")
	driveIndex := flag.Int("drive", -1, "Tape drive device index")
	cartridge := flag.String("cartridge", "", "Cartridge (volume) to load and use")
	var backup stringSlice
	flag.Var(&backup, "backup", "backup may be repeated to archive multiple paths")
	list := flag.Bool("list", false, "List the catalogued files on the volume")
	restore := flag.String("restore", "", "Restore the named file from the volume")
	dest := flag.String("dest", ".", "Directory restored files are written under")
	scan := flag.Bool("scan", false, "Rebuild the volume's catalog by reading the tape")
	export := flag.Bool("export", false, "Copy every catalogued file on the volume to the configured buckets")
	info := flag.Bool("info", false, "Print the drive and media parameters")
	format := flag.Int("format", 0, "Partition the media: 1 for the default layout, N for N partitions")
	erase := flag.Bool("erase", false, "Erase the media")
	tension := flag.Bool("tension", false, "Retension the media")
	eject := flag.Bool("eject", false, "Return the cartridge through the changer when done")
	flag.Parse()

	cfg, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *logFile != "" {
		cfg.LogFile = *logFile
	}
	if *simulate {
		cfg.Backend = BackendSimulator
	}
	if *simDir != "" {
		cfg.SimDirectory = *simDir
	}
	if *driveIndex >= 0 {
		cfg.DriveIndex = *driveIndex
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "Invalid configuration:", err)
		os.Exit(1)
	}

	// create the logger and route the tape library's records into it
	level, err := ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := NewLogger(cfg.LogFile, *clean, WithLevel(level), WithJSON(cfg.LogJSON))
	SetLogger(logger.Slog())

	cmd := command{
		backup:    append(backup.Slice(), flag.Args()...),
		list:      *list,
		restore:   *restore,
		dest:      *dest,
		scan:      *scan,
		export:    *export,
		info:      *info,
		format:    *format,
		erase:     *erase,
		tension:   *tension,
		eject:     *eject,
		cartridge: *cartridge,
	}

	// log arguments
	logger.Event("****RUN PARMS **** ")
	logger.Event("\n\tBACKEND: ", cfg.Backend, "\n\tDRIVE: ", cfg.DriveIndex, "\n\tVOLUME: ", volumeName(cfg, cmd), "\n\tBACKUP: ", strings.Join(cmd.backup, ","))

	if err := run(context.Background(), cfg, cmd, *clean, logger); err != nil {
		logger.Fatal(err)
	}
	logger.Close()
}

// loadConfig reads the config file. A missing default file is not an error.
func loadConfig(path string) (Config, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		if path != DEFAULT_CONFIG_FILE || !errors.Is(err, fs.ErrNotExist) {
			return cfg, err
		}
		cfg = Default()
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func volumeName(cfg Config, cmd command) string {
	if cmd.cartridge != "" {
		return cmd.cartridge
	}
	return cfg.Volume
}

func run(ctx context.Context, cfg Config, cmd command, clean bool, logger *Logger) (err error) {
	catalog, err := OpenCatalog(cfg.Catalog, clean)
	if err != nil {
		return err
	}
	defer catalog.Close()
	volume := volumeName(cfg, cmd)

	if cmd.list {
		if err := listFiles(catalog, volume); err != nil {
			return err
		}
	}
	if !cmd.needsTape() {
		return nil
	}

	blockSize, err := cfg.BlockBytes()
	if err != nil {
		return err
	}
	ts, err := openTape(cfg, cmd.cartridge, logger)
	if err != nil {
		return pkgerrors.Wrapf(err, "opening drive %d", cfg.DriveIndex)
	}
	defer func() {
		if cerr := ts.close(cmd.eject); cerr != nil && err == nil {
			err = pkgerrors.Wrap(cerr, "closing drive")
		}
	}()

	if cmd.info {
		if err := printInfo(ts); err != nil {
			return err
		}
	}
	if cmd.tension {
		logger.Event("******RETENSIONING*******")
		if err := ts.drive.ResetTension(); err != nil {
			return err
		}
	}
	if cmd.format > 0 {
		logger.Event("******FORMATTING ", volume, "*******")
		if cmd.format == 1 {
			err = ts.drive.Format()
		} else {
			err = ts.drive.FormatPartitions(uint32(cmd.format))
		}
		if err != nil {
			return err
		}
		if err := catalog.ForgetVolume(volume); err != nil {
			return err
		}
	}
	if cmd.erase {
		logger.Event("******ERASING ", volume, "*******")
		if err := ts.stream.Rewind(); err != nil {
			return err
		}
		if err := ts.stream.Erase(); err != nil {
			return err
		}
		if err := catalog.ForgetVolume(volume); err != nil {
			return err
		}
	}
	if len(cmd.backup) > 0 {
		logger.Event("******STARTING BACKUP*******")
		archiver := NewArchiver(ts.stream, catalog, volume, blockSize, logger)
		session, written, err := archiver.Backup(cmd.backup)
		fmt.Printf("Session %s: %d files archived to %s\n", session, len(written), volume)
		if err != nil {
			return pkgerrors.Wrapf(err, "backup session %s", session)
		}
		logger.Event("******BACKUP COMPLETE*******")
	}

	restorer := NewRestorer(ts.stream, blockSize, logger)
	if cmd.scan {
		logger.Event("******SCANNING ", volume, "*******")
		if err := rebuildCatalog(restorer, catalog, volume, logger); err != nil {
			return err
		}
	}
	if cmd.restore != "" {
		entry, err := catalog.Lookup(volume, cmd.restore)
		if err != nil {
			return err
		}
		target, err := restorer.Restore(entry, cmd.dest)
		if err != nil {
			return pkgerrors.Wrapf(err, "restoring %s", cmd.restore)
		}
		fmt.Println("Restored", entry.Name, "to", target)
	}
	if cmd.export {
		if err := exportVolume(ctx, cfg, restorer, catalog, volume, logger); err != nil {
			return err
		}
	}
	return nil
}

func listFiles(catalog *Catalog, volume string) error {
	sessions, err := catalog.Sessions(volume)
	if err != nil {
		return err
	}
	files, err := catalog.Files(volume)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tSTARTED\tFILES")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%d\n", s.ID, humanize.Time(s.Started), s.Files)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "FILE\tBLOCK\tSIZE\tSESSION\tNAME")
	for _, f := range files {
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\n", f.FileNumber, f.StartBlock, humanize.IBytes(uint64(f.Size)), f.Session, f.Name)
	}
	return w.Flush()
}

func printInfo(ts *tapeSession) error {
	d := ts.drive
	caps := d.Capabilities()
	fmt.Println("\nDrive:", d.Index(), "Volume:", ts.volume)
	fmt.Printf("Block size: min %d max %d default %d\n", caps.MinimumBlockSize, caps.MaximumBlockSize, caps.DefaultBlockSize)
	fmt.Println("Maximum partitions:", caps.MaximumPartitionCount)
	s := d.Settings()
	fmt.Printf("Compression %v ECC %v padding %v setmarks %v EOT warning zone %d\n",
		s.Compression, s.ECC, s.DataPadding, s.ReportSetmarks, s.EOTWarningZoneSize)

	media, err := d.MediaInfo()
	if err != nil {
		return err
	}
	fmt.Printf("Media: capacity %s remaining %s block size %d partitions %d write protected %v\n",
		humanize.IBytes(uint64(media.Capacity)), humanize.IBytes(uint64(media.Remaining)),
		media.BlockSize, media.PartitionCount, media.WriteProtected)
	pos, err := ts.stream.Position()
	if err != nil {
		return err
	}
	fmt.Println("Position: block", pos)
	return nil
}

// rebuildCatalog replaces the volume's catalog with what is on the tape.
func rebuildCatalog(restorer *Restorer, catalog *Catalog, volume string, logger *Logger) error {
	if err := catalog.ForgetVolume(volume); err != nil {
		return err
	}
	sessions := map[string]bool{}
	count := 0
	err := restorer.Scan(func(f ScannedFile) error {
		fmt.Printf("%4d %8d %10s %s %s\n", f.FileNumber, f.StartBlock, humanize.IBytes(uint64(f.Size)), f.Header.ID, f.Header.Name)
		if !f.Complete() {
			logger.Warn("File ", f.Header.Name, " at block ", f.StartBlock, " is incomplete, skipping")
			return nil
		}
		if !sessions[f.Header.Session] {
			started, err := GetTimeFromID(f.Header.Session)
			if err != nil {
				logger.Warn("Session id ", f.Header.Session, " has no timestamp: ", err)
			}
			if err := catalog.AddSession(Session{ID: f.Header.Session, Volume: volume, Started: started}); err != nil {
				return err
			}
			sessions[f.Header.Session] = true
		}
		count++
		return catalog.AddFile(CatalogEntry{
			FileID:     f.Header.ID,
			Session:    f.Header.Session,
			Volume:     volume,
			Name:       f.Header.Name,
			FileNumber: f.FileNumber,
			StartBlock: f.StartBlock,
			Size:       f.Size,
		})
	})
	if err != nil {
		return pkgerrors.Wrapf(err, "scanning %s", volume)
	}
	fmt.Printf("Catalogued %d files in %d sessions on %s\n", count, len(sessions), volume)
	return nil
}

func exportVolume(ctx context.Context, cfg Config, restorer *Restorer, catalog *Catalog, volume string, logger *Logger) error {
	var sinks []Sink
	if cfg.Export.Bucket != "" {
		s3sink, err := NewS3Sink(ctx, cfg.Export.Region, cfg.Export.Bucket, cfg.Export.Prefix, cfg.Export.CreateBucket, logger)
		if err != nil {
			return err
		}
		sinks = append(sinks, s3sink)
	}
	if cfg.Export.BlobURL != "" {
		blobSink, err := OpenBlobSink(ctx, cfg.Export.BlobURL, cfg.Export.Prefix)
		if err != nil {
			return err
		}
		sinks = append(sinks, blobSink)
	}
	if len(sinks) == 0 {
		return errors.New("export needs an S3 bucket or a blob URL in the configuration")
	}
	defer func() {
		for _, s := range sinks {
			s.Close()
		}
	}()

	entries, err := catalog.Files(volume)
	if err != nil {
		return err
	}
	logger.Event("******EXPORTING ", len(entries), " FILES*******")
	exported, err := NewExporter(restorer, sinks, cfg.Export.Concurrency, logger).Export(ctx, entries)
	fmt.Printf("Exported %d of %d files from %s\n", exported, len(entries), volume)
	return err
}

// stringSlice is a custom type to hold a slice of strings
type stringSlice []string

// String implements the flag.Value interface's String method
func (s *stringSlice) String() string {
	return strings.Join(*s, ",")
}

// Set implements the flag.Value interface's Set method
func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}
func (s *stringSlice) Slice() []string {
	return []string(*s)
}
