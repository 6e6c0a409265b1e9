package main

import (
	"context"
	"fmt"
	"os/signal"
	"os/user"
	"strconv"
	"sync"
	"syscall"
	"time"

	databrickssdk "github.com/databricks/databricks-sdk-go"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"docsync/internal/backup"
	"docsync/internal/config"
	"docsync/internal/databricks"
	"docsync/internal/eventfeed"
	"docsync/internal/fileio"
	docfuse "docsync/internal/fuse"
	"docsync/internal/logging"
	"docsync/internal/participants"
	"docsync/internal/safego"
	"docsync/internal/textmodel"
	"docsync/internal/watch"
	"docsync/internal/workingcopy"
)

// Shutdown timeout for saving dirty working copies
const shutdownTimeout = 30 * time.Second

const shutdownSaveSource = "shutdown"

type cliError struct {
	exitCode int
	msg      string
	printed  bool
}

func (e *cliError) Error() string {
	return e.msg
}

type mountServer interface {
	Wait()
	Unmount() error
}

type fileWatcher interface {
	Start(root string) error
	Stop() error
	Forward(ctx context.Context, handle func(context.Context, []fileio.FileChange))
}

type runDeps struct {
	newLocalFS     func(string, fileio.LocalOptions) (*fileio.LocalFS, error)
	initWorkspace  func() (*databrickssdk.WorkspaceClient, error)
	newDatabricks  func(*databrickssdk.WorkspaceClient, databricks.Options) (*databricks.Client, error)
	newBackupStore func(string) (backup.Store, error)
	newRegistry    func(workingcopy.Deps) *workingcopy.Registry
	newWatcher     func() (fileWatcher, error)
	currentUser    func() (*user.User, error)
	newRootNode    func(fileio.FileIO, fileio.DirReader, *workingcopy.Registry, string, *docfuse.NodeConfig) (*docfuse.DocNode, error)
	mount          func(string, fs.InodeEmbedder, *fs.Options) (mountServer, error)
	signalContext  func() (context.Context, context.CancelFunc)
}

func defaultDeps() runDeps {
	return runDeps{
		newLocalFS: fileio.NewOSFS,
		initWorkspace: func() (*databrickssdk.WorkspaceClient, error) {
			return databrickssdk.NewWorkspaceClient()
		},
		newDatabricks:  databricks.NewClient,
		newBackupStore: backup.BuildStoreFromDSN,
		newRegistry:    workingcopy.NewRegistry,
		newWatcher: func() (fileWatcher, error) {
			return watch.New()
		},
		currentUser: user.Current,
		newRootNode: docfuse.NewRootNode,
		mount: func(mountPoint string, root fs.InodeEmbedder, opts *fs.Options) (mountServer, error) {
			return fs.Mount(mountPoint, root, opts)
		},
		signalContext: func() (context.Context, context.CancelFunc) {
			return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		},
	}
}

// backend is the file capability chosen by configuration.
type backend struct {
	files    fileio.FileIO
	dirs     fileio.DirReader
	elevated fileio.ElevatedWriter
	// localRoot is the directory to watch; empty for remote backends.
	localRoot string
}

func openBackend(cfg *config.Config, deps runDeps) (*backend, error) {
	switch cfg.Backend {
	case config.BackendDatabricks:
		w, err := deps.initWorkspace()
		if err != nil {
			return nil, fmt.Errorf("Failed to create Databricks client: %w", err)
		}
		client, err := deps.newDatabricks(w, databricks.Options{Root: cfg.Root, Readonly: cfg.Readonly})
		if err != nil {
			return nil, fmt.Errorf("Failed to create Databricks file backend: %w", err)
		}
		logging.Infof("Serving Databricks workspace %s", client.Root())
		return &backend{files: client, dirs: client}, nil
	default:
		local, err := deps.newLocalFS(cfg.Root, fileio.LocalOptions{Readonly: cfg.Readonly})
		if err != nil {
			return nil, fmt.Errorf("Failed to open workspace %s: %w", cfg.Root, err)
		}
		logging.Infof("Serving local workspace %s", local.Root())
		return &backend{
			files:     local,
			dirs:      local,
			elevated:  fileio.NewElevatedFS(local),
			localRoot: local.Root(),
		}, nil
	}
}

func buildParticipants(cfg config.ParticipantsConfig) (*participants.Runner, error) {
	var list []participants.Participant
	if cfg.TrimTrailingWhitespace {
		list = append(list, participants.TrimTrailingWhitespace())
	}
	if cfg.TrimFinalNewlines {
		list = append(list, participants.TrimFinalNewlines())
	}
	if cfg.InsertFinalNewline {
		list = append(list, participants.InsertFinalNewline())
	}
	if len(list) == 0 {
		return nil, nil
	}
	return participants.NewRunner(participants.Options{Exclude: cfg.Exclude, Timeout: cfg.Timeout}, list...)
}

func buildNodeConfig(ownerUid uint32, allowOther bool) *docfuse.NodeConfig {
	return &docfuse.NodeConfig{
		OwnerUid:       ownerUid,
		RestrictAccess: !allowOther,
	}
}

func buildMountOptions(allowOther bool, debug bool) *fs.Options {
	attrTimeout := 30 * time.Second
	entryTimeout := 30 * time.Second
	negativeTimeout := 10 * time.Second

	opts := &fs.Options{
		AttrTimeout:     &attrTimeout,
		EntryTimeout:    &entryTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			AllowOther: allowOther,
			Name:       "docsync",
			FsName:     "docsync",
		},
	}
	opts.Debug = debug
	return opts
}

func versionString() string {
	return fmt.Sprintf("docsync %s (commit: %s, built: %s)\n", version, commit, date)
}

func mountDocuments(cfg *config.Config, be *backend, registry *workingcopy.Registry, deps runDeps) (mountServer, error) {
	currentUser, err := deps.currentUser()
	if err != nil {
		return nil, fmt.Errorf("Failed to get current user: %w", err)
	}
	ownerUid, err := strconv.ParseUint(currentUser.Uid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("Failed to parse UID: %w", err)
	}

	// When allowOther is enabled, restrict access to mount owner only
	nodeConfig := buildNodeConfig(uint32(ownerUid), cfg.Mount.AllowOther)
	if cfg.Mount.AllowOther {
		logging.Infof("allow-other enabled: all local users can access the mount")
	} else {
		logging.Debugf("Access control enabled: only UID %d can access the mount", ownerUid)
	}

	root, err := deps.newRootNode(be.files, be.dirs, registry, "/", nodeConfig)
	if err != nil {
		return nil, fmt.Errorf("Failed to create root node: %w", err)
	}

	opts := buildMountOptions(cfg.Mount.AllowOther, logging.DebugLogs)
	server, err := deps.mount(cfg.Mount.Point, root, opts)
	if err != nil {
		return nil, fmt.Errorf("Mount fail: %w", err)
	}
	logging.Infof("Mounted documents on %s", cfg.Mount.Point)
	return server, nil
}

// serve runs until the signal context ends, then saves every dirty working
// copy and stops the background workers.
func serve(cfg *config.Config, deps runDeps) error {
	be, err := openBackend(cfg, deps)
	if err != nil {
		return err
	}

	store, err := deps.newBackupStore(cfg.Backup.DSN)
	if err != nil {
		return fmt.Errorf("Failed to open backup store: %w", err)
	}
	if store != nil {
		defer store.Close()
	}

	runner, err := buildParticipants(cfg.Participants)
	if err != nil {
		return &cliError{exitCode: 1, msg: err.Error()}
	}

	wcDeps := workingcopy.Deps{
		Files:    be.files,
		Elevated: be.elevated,
		Config:   config.NewFiles(cfg),
		NewModel: textmodel.Factory,
	}
	if store != nil {
		wcDeps.Backups = store
	}
	if runner != nil {
		wcDeps.Participants = runner
	}
	registry := deps.newRegistry(wcDeps)

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	var autoSaver *workingcopy.AutoSaver
	if cfg.AutoSave.Mode == config.AutoSaveAfterDelay {
		autoSaver = workingcopy.NewAutoSaver(registry, cfg.AutoSave.Delay)
		autoSaver.Start(workerCtx)
		logging.Debugf("Auto save enabled: delay=%v", cfg.AutoSave.Delay)
	}

	var tracker *workingcopy.BackupTracker
	if store != nil {
		tracker = workingcopy.NewBackupTracker(registry, store, cfg.Backup.Delay)
		tracker.Start(workerCtx)
		logging.Debugf("Backups enabled: delay=%v", cfg.Backup.Delay)
	}

	var watcher fileWatcher
	if be.localRoot != "" {
		watcher, err = deps.newWatcher()
		if err != nil {
			return fmt.Errorf("Failed to create file watcher: %w", err)
		}
		if err := watcher.Start(be.localRoot); err != nil {
			return fmt.Errorf("Failed to watch %s: %w", be.localRoot, err)
		}
		safego.Go(func() {
			watcher.Forward(workerCtx, registry.HandleFileChanges)
		})
	}

	var feed *eventfeed.Server
	detachFeed := func() {}
	if cfg.Feed.Addr != "" {
		feed = eventfeed.NewServer(cfg.Feed.Addr)
		if err := feed.Start(); err != nil {
			return fmt.Errorf("Failed to start event feed: %w", err)
		}
		detachFeed = feed.Attach(registry)
	}

	var server mountServer
	if cfg.Mount.Point != "" {
		server, err = mountDocuments(cfg, be, registry, deps)
		if err != nil {
			return err
		}
	}

	ctx, stop := deps.signalContext()
	defer stop()

	var unmountOnce sync.Once
	unmount := func() {
		unmountOnce.Do(func() {
			if server == nil {
				return
			}
			if err := server.Unmount(); err != nil {
				logging.Warnf("Unmount error: %v", err)
			}
		})
	}

	shutdown := func() {
		logging.Infof("Shutdown signal received, saving dirty working copies...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		saved, errs := registry.SaveAll(shutdownCtx, workingcopy.SaveOptions{
			Reason: workingcopy.SaveReasonExplicit,
			Source: shutdownSaveSource,
		})
		for _, err := range errs {
			logging.Warnf("Save error: %v", err)
		}
		if saved > 0 {
			logging.Infof("Saved %d working copy(s)", saved)
		}
		if err := registry.JoinPendingSaves(shutdownCtx); err != nil {
			logging.Warnf("Pending saves did not settle: %v", err)
		}

		if autoSaver != nil {
			autoSaver.Stop()
		}
		if tracker != nil {
			// Copies still dirty here keep their backup for the next start.
			tracker.Flush()
			tracker.Stop()
		}

		unmount()

		if feed != nil {
			detachFeed()
			if err := feed.Stop(shutdownCtx); err != nil {
				logging.Warnf("Event feed shutdown error: %v", err)
			}
		}
		if watcher != nil {
			if err := watcher.Stop(); err != nil {
				logging.Warnf("File watcher shutdown error: %v", err)
			}
		}
		cancelWorkers()
	}

	if server == nil {
		<-ctx.Done()
		shutdown()
		return nil
	}

	done := make(chan struct{})
	safego.Go(func() {
		defer close(done)
		<-ctx.Done()
		shutdown()
	})

	server.Wait()
	// An external unmount ends Wait before any signal arrived.
	stop()
	<-done
	return nil
}
