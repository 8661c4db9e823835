package remote

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path"
	"sort"
	"strings"

	"github.com/mattn/go-shellwords"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// RsyncFiler implements snapshot.Filer against the ssh target of a Config.
type RsyncFiler struct {
	cfg Config

	// Defaults to "rsync" on the PATH.
	RsyncBinary string
}

func NewRsyncFiler(cfg Config) *RsyncFiler {
	return &RsyncFiler{cfg: cfg, RsyncBinary: "rsync"}
}

// rshell is the value of rsync's -e flag.
func (f *RsyncFiler) rshell() (string, error) {
	argv, err := f.cfg.sshArgv("")
	if err != nil {
		return "", err
	}
	// Drop the target, "--" and the empty remote command.
	argv = argv[:len(argv)-3]
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " "), nil
}

// rsyncArgs copies srcs into dst, every path already in rsync syntax.
func rsyncArgs(rsh string, srcs []string, dst string) []string {
	args := []string{"-a", "--partial", "-e", rsh}
	args = append(args, srcs...)
	return append(args, dst)
}

// parseListing turns `find dir -type f` output into names relative to dir.
func parseListing(dir string, out []byte) []string {
	prefix := strings.TrimSuffix(dir, "/") + "/"
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		names = append(names, strings.TrimPrefix(line, prefix))
	}
	sort.Strings(names)
	return names
}

func (f *RsyncFiler) Upload(ctx context.Context, localPaths []string, remoteDir string) error {
	if _, err := f.ssh(ctx, "mkdir -p "+shellQuote(remoteDir)); err != nil {
		return err
	}
	rsh, err := f.rshell()
	if err != nil {
		return err
	}
	return f.rsync(ctx, rsyncArgs(rsh, localPaths, f.cfg.Target()+":"+strings.TrimSuffix(remoteDir, "/")+"/"))
}

// Download lists remoteDir first so it reports only files that were there to copy.
func (f *RsyncFiler) Download(ctx context.Context, remoteDir, localDir string) ([]string, error) {
	q := shellQuote(remoteDir)
	out, err := f.ssh(ctx, "if [ -d "+q+" ]; then find "+q+" -type f; fi")
	if err != nil {
		return nil, err
	}
	names := parseListing(remoteDir, out)
	if len(names) == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(localDir, 0777); err != nil {
		return nil, err
	}
	rsh, err := f.rshell()
	if err != nil {
		return nil, err
	}
	src := f.cfg.Target() + ":" + strings.TrimSuffix(remoteDir, "/") + "/"
	if err := f.rsync(ctx, rsyncArgs(rsh, []string{src}, strings.TrimSuffix(localDir, "/")+"/")); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"remoteDir": remoteDir, "files": len(names)}).Debug("Downloaded")
	return names, nil
}

func (f *RsyncFiler) ssh(ctx context.Context, remoteCmd string) ([]byte, error) {
	argv, err := f.cfg.sshArgv(remoteCmd)
	if err != nil {
		return nil, err
	}
	return run(ctx, argv)
}

func (f *RsyncFiler) rsync(ctx context.Context, args []string) error {
	bin := f.RsyncBinary
	if bin == "" {
		bin = "rsync"
	}
	_, err := run(ctx, append([]string{bin}, args...))
	return err
}

func run(ctx context.Context, argv []string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s: %s", path.Base(argv[0]), strings.Join(argv[1:], " "), strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// ParseTemplate splits a container command line into argv, keeping placeholders intact.
func ParseTemplate(template string) ([]string, error) {
	argv, err := shellwords.Parse(template)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing command template %q", template)
	}
	if len(argv) == 0 {
		return nil, errors.New("empty command template")
	}
	return argv, nil
}

// ExpandTemplate substitutes {name} placeholders in every argument.
func ExpandTemplate(argv []string, vars map[string]string) []string {
	pairs := make([]string, 0, 2*len(vars))
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	r := strings.NewReplacer(pairs...)
	out := make([]string, len(argv))
	for i, a := range argv {
		out[i] = r.Replace(a)
	}
	return out
}
