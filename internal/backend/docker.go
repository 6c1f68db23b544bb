package backend

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	docker "github.com/fsouza/go-dockerclient"
	"github.com/sirupsen/logrus"
)

const (
	dockerLabelPool    = "codesand.pool"
	snapshotRepoPrefix = "codesand-snapshot/"
	dockerPidsLimit    = 128
)

// Docker drives sandboxes as long-lived docker containers. Snapshots are
// committed images; restoring recreates the container from its image.
type Docker struct {
	client *docker.Client
	image  string
	user   User
	log    *logrus.Entry
}

// NewDocker connects to the daemon described by the DOCKER_* environment.
func NewDocker(image string, user User) (*Docker, error) {
	client, err := docker.NewClientFromEnv()
	if err != nil {
		return nil, fmt.Errorf("connecting to docker: %w", err)
	}
	if strings.TrimSpace(image) == "" {
		image = "codesand:latest"
	}
	return &Docker{
		client: client,
		image:  image,
		user:   user,
		log:    logrus.WithField("component", "docker"),
	}, nil
}

func (d *Docker) Status(ctx context.Context, name string) (Status, error) {
	c, err := d.client.InspectContainerWithOptions(docker.InspectContainerOptions{ID: name, Context: ctx})
	if err != nil {
		return StatusUnknown, fmt.Errorf("inspecting %s: %w", name, err)
	}
	if c.State.Running {
		return StatusRunning, nil
	}
	return StatusStopped, nil
}

func (d *Docker) Start(ctx context.Context, name string) error {
	err := d.client.StartContainerWithContext(name, nil, ctx)
	var already *docker.ContainerAlreadyRunning
	if errors.As(err, &already) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("starting %s: %w", name, err)
	}
	return nil
}

func (d *Docker) UserCommand(name string, argv []string) []string {
	cmd := []string{
		"docker", "exec",
		"-u", fmt.Sprintf("%d:%d", d.user.UID, d.user.GID),
		"-w", d.user.Home,
		name,
	}
	return append(cmd, argv...)
}

func (d *Docker) RootExec(ctx context.Context, name string, argv ...string) ([]byte, error) {
	d.log.Debugf("%s root$ %s", name, strings.Join(argv, " "))
	exec, err := d.client.CreateExec(docker.CreateExecOptions{
		Container:    name,
		Cmd:          argv,
		User:         "root",
		AttachStdout: true,
		AttachStderr: true,
		Context:      ctx,
	})
	if err != nil {
		return nil, fmt.Errorf("creating exec in %s: %w", name, err)
	}

	var out bytes.Buffer
	if err := d.client.StartExec(exec.ID, docker.StartExecOptions{
		OutputStream: &out,
		ErrorStream:  &out,
		Context:      ctx,
	}); err != nil {
		return out.Bytes(), fmt.Errorf("running exec in %s: %w", name, err)
	}

	inspect, err := d.client.InspectExec(exec.ID)
	if err != nil {
		return out.Bytes(), fmt.Errorf("inspecting exec in %s: %w", name, err)
	}
	if inspect.ExitCode != 0 {
		return out.Bytes(), fmt.Errorf("%s exited with status %d", argv[0], inspect.ExitCode)
	}
	return out.Bytes(), nil
}

func (d *Docker) Push(ctx context.Context, name, localPath, destDir string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", localPath, err)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    filepath.Base(localPath),
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: time.Now(),
		Uid:     d.user.UID,
		Gid:     d.user.GID,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing tar header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("writing tar body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("closing tar: %w", err)
	}

	if err := d.client.UploadToContainer(name, docker.UploadToContainerOptions{
		InputStream: &buf,
		Path:        destDir,
		Context:     ctx,
	}); err != nil {
		return fmt.Errorf("uploading to %s: %w", name, err)
	}
	return nil
}

func (d *Docker) Restore(ctx context.Context, name, snapshot string) error {
	if err := d.remove(ctx, name); err != nil {
		return err
	}
	if err := d.create(ctx, name, snapshotImage(name, snapshot)); err != nil {
		return err
	}
	return d.Start(ctx, name)
}

func (d *Docker) Exists(ctx context.Context, name string) (bool, error) {
	_, err := d.client.InspectContainerWithOptions(docker.InspectContainerOptions{ID: name, Context: ctx})
	var missing *docker.NoSuchContainer
	if errors.As(err, &missing) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("inspecting %s: %w", name, err)
	}
	return true, nil
}

// Clone creates and starts a container from an image. An empty base means
// the configured sandbox image.
func (d *Docker) Clone(ctx context.Context, base, name string) error {
	if strings.TrimSpace(base) == "" {
		base = d.image
	}
	if err := d.create(ctx, name, base); err != nil {
		return err
	}
	return d.Start(ctx, name)
}

func (d *Docker) Snapshot(ctx context.Context, name, snapshot string) error {
	_, err := d.client.CommitContainer(docker.CommitContainerOptions{
		Container:  name,
		Repository: snapshotRepoPrefix + name,
		Tag:        snapshot,
		Context:    ctx,
	})
	if err != nil {
		return fmt.Errorf("committing %s: %w", name, err)
	}
	return nil
}

func (d *Docker) create(ctx context.Context, name, image string) error {
	pids := int64(dockerPidsLimit)
	_, err := d.client.CreateContainer(docker.CreateContainerOptions{
		Name: name,
		Config: &docker.Config{
			Image:           image,
			Cmd:             []string{"sleep", "infinity"},
			WorkingDir:      d.user.Home,
			NetworkDisabled: true,
			Labels:          map[string]string{dockerLabelPool: "true"},
		},
		HostConfig: &docker.HostConfig{
			NetworkMode: "none",
			PidsLimit:   &pids,
			SecurityOpt: []string{"no-new-privileges"},
		},
		Context: ctx,
	})
	if err != nil {
		return fmt.Errorf("creating %s from %s: %w", name, image, err)
	}
	return nil
}

func (d *Docker) remove(ctx context.Context, name string) error {
	err := d.client.RemoveContainer(docker.RemoveContainerOptions{
		ID:      name,
		Force:   true,
		Context: ctx,
	})
	var missing *docker.NoSuchContainer
	if err != nil && !errors.As(err, &missing) {
		return fmt.Errorf("removing %s: %w", name, err)
	}
	return nil
}

func snapshotImage(name, snapshot string) string {
	return snapshotRepoPrefix + name + ":" + snapshot
}
