// Package batchflags provides flag support for use by bigbatch command
// line applications.
package batchflags

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/user"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigbatch"
	"github.com/grailbio/bigbatch/coord"
	"github.com/grailbio/bigbatch/exec"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigmachine/ec2system"
)

var (
	mu        sync.Mutex
	providers = map[string]Provider{} // protected by mu
)

// Provider provides the bigmachine systems on which cluster jobs
// run. Providers are configured by setting options via Set.
type Provider interface {
	// Name returns the name of a provider instance.
	Name() string
	// Set sets one or more options for the systems to be provided.
	// The options may be specified as key=val.
	Set(string) error
	// System returns the system configured by the currently set
	// options.
	System() bigmachine.System
}

// RegisterSystemProvider registers a 'system' provider, ie. any
// service that can provide compute systems to bigbatch.
func RegisterSystemProvider(name string, provider Provider) {
	mu.Lock()
	defer mu.Unlock()
	if _, present := providers[name]; present {
		log.Panicf("system %s is already registered", name)
	}
	providers[name] = provider
}

// Providers returns the names of the registered providers.
func Providers() []string {
	mu.Lock()
	defer mu.Unlock()
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Local provides machines that run as separate processes on the
// local machine.
type Local struct{}

// Name implements Provider.Name.
func (l *Local) Name() string {
	return "local"
}

// Set implements Provider.Set.
func (l *Local) Set(_ string) error {
	return fmt.Errorf("the local system provider does not support any configuration")
}

// System implements Provider.System.
func (l *Local) System() bigmachine.System {
	return bigmachine.Local
}

// EC2 provides AWS EC2 machines.
type EC2 struct {
	Options map[string]interface{}
}

// Name implements Provider.Name.
func (ec2 *EC2) Name() string {
	return "EC2"
}

// Set implements Provider.Set.
func (ec2 *EC2) Set(v string) error {
	if ec2.Options == nil {
		ec2.Options = make(map[string]interface{}, 5)
	}
	parts := strings.Split(v, "=")
	if len(parts) != 2 {
		return fmt.Errorf("not in key=val format %q", v)
	}
	key, val := parts[0], parts[1]
	switch key {
	case "dataspace", "rootsize":
		i, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return fmt.Errorf("not an int: %v", val)
		}
		ec2.Options[key] = uint(i)
	case "instance", "profile":
		ec2.Options[key] = val
	case "ondemand":
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("not a bool: %v", val)
		}
		ec2.Options[key] = b
	default:
		return fmt.Errorf("unsupported option: %v", key)
	}
	return nil
}

// System implements Provider.System.
func (ec2 *EC2) System() bigmachine.System {
	system := &ec2system.System{Username: "unknown"}
	if u, err := user.Current(); err == nil {
		system.Username = u.Username
	} else {
		log.Printf("ec2: get current user: %v", err)
	}
	for key, val := range ec2.Options {
		switch key {
		case "instance":
			system.InstanceType = val.(string)
		case "dataspace":
			system.Dataspace = val.(uint)
		case "rootsize":
			system.Diskspace = val.(uint)
		case "profile":
			system.InstanceProfile = val.(string)
		case "ondemand":
			system.OnDemand = val.(bool)
		}
	}
	return system
}

func init() {
	RegisterSystemProvider("local", &Local{})
	RegisterSystemProvider("ec2", &EC2{})
}

// SystemHelp is an explanation of the allowed -system values.
const SystemHelp = `the bigmachine system for cluster jobs: <system-type>[:key=value,...], where
system-type is one of:
	local: separate processes on this machine.
	ec2: AWS EC2 instances. The supported options are:
		instance=<AWS instance type>, e.g. p3.2xlarge
		dataspace=<GiB> - size of the data volume
		rootsize=<GiB> - size of the root volume
		ondemand=<bool> - use on-demand rather than spot instances
		profile=<name> - the instance profile to use instead of a default
If no system is given, the job runs in this process.`

// SystemFlag represents a flag that can be used to specify a bigmachine
// system.
type SystemFlag struct {
	Provider  Provider
	Options   []string
	Specified bool
}

// String implements flag.Value.String
func (sys *SystemFlag) String() string {
	if sys.Provider == nil {
		return ""
	}
	if len(sys.Options) == 0 {
		return sys.Provider.Name()
	}
	return fmt.Sprintf("%v:%v", sys.Provider.Name(), strings.Join(sys.Options, ","))
}

// Set implements flag.Value.Set
func (sys *SystemFlag) Set(v string) error {
	parts := strings.SplitN(v, ":", 2)
	name := parts[0]
	var options []string
	if len(parts) > 1 {
		options = strings.Split(parts[1], ",")
	}
	mu.Lock()
	provider, ok := providers[name]
	mu.Unlock()
	if !ok {
		return fmt.Errorf("unsupported system type: %v", name)
	}
	for _, opt := range options {
		if err := provider.Set(opt); err != nil {
			return err
		}
	}
	sys.Options = options
	sys.Provider = provider
	sys.Specified = true
	return nil
}

// Get implements flag.Value.Get
func (sys *SystemFlag) Get() interface{} {
	return sys.String()
}

// OptionsFlag is a repeatable flag of key=value engine options.
type OptionsFlag map[string]string

// String implements flag.Value.String
func (o OptionsFlag) String() string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		keys[i] = k + "=" + o[k]
	}
	return strings.Join(keys, ",")
}

// Set implements flag.Value.Set
func (o OptionsFlag) Set(v string) error {
	for _, kv := range strings.Split(v, ",") {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 || parts[0] == "" {
			return fmt.Errorf("not in key=val format %q", kv)
		}
		o[parts[0]] = parts[1]
	}
	return nil
}

// Flags represents all of the flags that can be used to configure
// a bigbatch command.
type Flags struct {
	Input         string
	MaxItems      int
	OutputDir     string
	OutputPrefix  string
	Engine        string
	EngineOptions OptionsFlag
	BatchSize     int
	NoResume      bool
	Sync          bool
	Total         int64
	Trace         bool
	UploadDir     string

	// Rank and WorldSize identify the worker; negative values defer
	// to the environment. See Spec.
	Rank      int
	WorldSize int
	// CoordDir is the rendezvous directory of multi-worker jobs.
	CoordDir string
	// LaunchIDFlag names this launch of the job; see LaunchID.
	LaunchIDFlag string

	System        SystemFlag
	Workers       int
	HTTPAddress   cmdutil.NetworkAddressFlag
	ConsoleStatus bool

	fs     *flag.FlagSet
	prefix string
}

// Output returns an appropriate io.Writer for printing out help/usage
// messages as per the underlying flag.Flagset.
func (bf *Flags) Output() io.Writer {
	if bf.fs == nil {
		return os.Stderr
	}
	if wr := bf.fs.Output(); wr != nil {
		return wr
	}
	return os.Stderr
}

// Defaults represents default values for the supported flags.
type Defaults struct {
	OutputDir   string
	Engine      string
	BatchSize   int
	Sync        bool
	Workers     int
	HTTPAddress string
}

// RegisterFlags registers the bigbatch command line flags with the supplied
// flag set. The flag names will be prefixed with the supplied prefix.
func RegisterFlags(fs *flag.FlagSet, bf *Flags, prefix string) {
	RegisterFlagsWithDefaults(fs, bf, prefix, Defaults{
		OutputDir:   ".",
		Engine:      "echo",
		BatchSize:   exec.DefaultBatchSize,
		Workers:     1,
		HTTPAddress: ":3333",
	})
}

// RegisterFlagsWithDefaults registers the bigbatch command line flags with
// the supplied flag set and defaults. The flag names will be prefixed with the
// supplied prefix.
func RegisterFlagsWithDefaults(fs *flag.FlagSet, bf *Flags, prefix string, defaults Defaults) {
	fs.StringVar(&bf.Input, prefix+"input", "", "path of the input dataset (JSON array or JSONL, optionally .zst compressed)")
	fs.IntVar(&bf.MaxItems, prefix+"max-items", 0, "process only the first max-items items of the dataset; 0 means all")
	fs.StringVar(&bf.OutputDir, prefix+"output-dir", defaults.OutputDir, "directory of the per-worker output files")
	fs.StringVar(&bf.OutputPrefix, prefix+"output-prefix", exec.DefaultOutputPrefix, "name prefix of the per-worker output files")
	fs.StringVar(&bf.Engine, prefix+"engine", defaults.Engine, fmt.Sprintf("engine to run; one of %s", strings.Join(bigbatch.Engines(), ", ")))
	bf.EngineOptions = make(OptionsFlag)
	fs.Var(bf.EngineOptions, prefix+"engine-opt", "engine option key=value; may be repeated")
	fs.IntVar(&bf.BatchSize, prefix+"batch-size", defaults.BatchSize, "number of items per engine call")
	fs.BoolVar(&bf.NoResume, prefix+"no-resume", false, "discard existing output instead of resuming from it")
	fs.BoolVar(&bf.Sync, prefix+"sync", defaults.Sync, "fsync output after each batch")
	fs.Int64Var(&bf.Total, prefix+"total", 0, "number of items used for time estimates; 0 means the remaining items of the worker's shard")
	fs.BoolVar(&bf.Trace, prefix+"trace", false, "write a Chrome trace of each worker's engine calls next to its output")
	fs.StringVar(&bf.UploadDir, prefix+"upload-dir", "", "durable directory (local or s3://) that cluster workers upload their output to and resume from; required for cluster jobs on remote systems")
	fs.IntVar(&bf.Rank, prefix+"rank", -1, "rank of this worker; defaults to $RANK or $SLURM_PROCID, else 0")
	fs.IntVar(&bf.WorldSize, prefix+"world-size", -1, "number of workers; defaults to $WORLD_SIZE or $SLURM_NTASKS, else 1")
	fs.StringVar(&bf.CoordDir, prefix+"coord-dir", "", "rendezvous directory (local or s3://) of multi-worker jobs; must be unique to each launch")
	fs.StringVar(&bf.LaunchIDFlag, prefix+"launch-id", "", "identifier of this launch, unique among launches sharing -coord-dir; defaults to $SLURM_JOB_ID or $TORCHELASTIC_RUN_ID")
	fs.Var(&bf.System, prefix+"system", SystemHelp)
	fs.IntVar(&bf.Workers, prefix+"workers", defaults.Workers, "number of workers of cluster jobs")
	fs.Var(&bf.HTTPAddress, prefix+"http", "address of http status server")
	bf.HTTPAddress.Set(defaults.HTTPAddress)
	bf.HTTPAddress.Specified = false
	fs.BoolVar(&bf.ConsoleStatus, prefix+"console-status", false, "print status to stdout")
	bf.fs = fs
	bf.prefix = prefix
}

// Prefix returns the prefix with which the flags were registered.
func (bf *Flags) Prefix() string {
	return bf.prefix
}

// Config returns the job configuration specified by the flags.
func (bf *Flags) Config() (exec.Config, error) {
	config := exec.Config{
		Input:         bf.Input,
		MaxItems:      bf.MaxItems,
		OutputDir:     bf.OutputDir,
		OutputPrefix:  bf.OutputPrefix,
		Engine:        bf.Engine,
		EngineOptions: map[string]string(bf.EngineOptions),
		BatchSize:     bf.BatchSize,
		NoResume:      bf.NoResume,
		Sync:          bf.Sync,
		Total:         bf.Total,
		Trace:         bf.Trace,
		UploadDir:     bf.UploadDir,
	}
	return config, config.Validate()
}

// Spec returns the identity of this worker. Flags take precedence
// over the environment, which is consulted through getenv: RANK and
// WORLD_SIZE, as set by most distributed launchers, or else
// SLURM_PROCID and SLURM_NTASKS. A worker without any identity is
// the single worker of its job.
func (bf *Flags) Spec(getenv func(string) string) (bigbatch.ShardSpec, error) {
	spec := bigbatch.ShardSpec{Rank: bf.Rank, WorldSize: bf.WorldSize}
	var err error
	if spec.Rank < 0 {
		if spec.Rank, err = envInt(getenv, 0, "RANK", "SLURM_PROCID"); err != nil {
			return spec, err
		}
	}
	if spec.WorldSize < 0 {
		if spec.WorldSize, err = envInt(getenv, 1, "WORLD_SIZE", "SLURM_NTASKS"); err != nil {
			return spec, err
		}
	}
	return spec, spec.Validate()
}

func envInt(getenv func(string) string, def int, names ...string) (int, error) {
	for _, name := range names {
		v := strings.TrimSpace(getenv(name))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, errors.E(errors.Invalid, fmt.Sprintf("$%s: invalid value %q", name, v))
		}
		return n, nil
	}
	return def, nil
}

// LaunchID returns the identifier of this launch of the job: the
// -launch-id flag, or else $SLURM_JOB_ID or $TORCHELASTIC_RUN_ID, as
// consulted through getenv. It is empty if none is set.
func (bf *Flags) LaunchID(getenv func(string) string) string {
	if bf.LaunchIDFlag != "" {
		return bf.LaunchIDFlag
	}
	for _, name := range []string{"SLURM_JOB_ID", "TORCHELASTIC_RUN_ID"} {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			return v
		}
	}
	return ""
}

// Coordinator returns the coordinator for the worker identified by
// spec. Multi-worker jobs require a rendezvous directory. Workers
// rendezvous in a subdirectory named by the launch ID (see LaunchID),
// so that relaunches of a job may share the -coord-dir.
func (bf *Flags) Coordinator(spec bigbatch.ShardSpec, getenv func(string) string) (coord.Coordinator, error) {
	if spec.WorldSize == 1 {
		return coord.Single(), nil
	}
	if bf.CoordDir == "" {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("worker %s: -coord-dir is required for multi-worker jobs", spec))
	}
	dir := bf.CoordDir
	if id := bf.LaunchID(getenv); id != "" {
		if strings.Contains(id, "/") {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("invalid launch id %q", id))
		}
		dir = file.Join(dir, id)
	} else {
		log.Printf("worker %s: no launch id; %s must not be reused by another launch", spec, dir)
	}
	return coord.NewDir(dir, spec)
}
