// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"

	"github.com/orchest/sessions/internal/controller/backend"
	"github.com/orchest/sessions/internal/log"
)

// Container labels set on every session resource.
const (
	LabelProject  = "orchest.project_uuid"
	LabelPipeline = "orchest.pipeline_uuid"
	LabelResource = "orchest.resource"
)

// DockerConfig configures the docker runtime.
type DockerConfig struct {
	// Host overrides DOCKER_HOST when set.
	Host    string
	Network string

	MemoryServerImage  string
	KernelGatewayImage string
	JupyterServerImage string
	JupyterPort        int

	Labels map[string]string
}

// containerAPI is the subset of the docker client the runtime uses.
type containerAPI interface {
	create(ctx context.Context, name string, cfg *container.Config, host *container.HostConfig, net *network.NetworkingConfig) (string, error)
	start(ctx context.Context, id string) error
	inspectIP(ctx context.Context, id, networkName string) (string, error)
	remove(ctx context.Context, id string) error
	restart(ctx context.Context, id string) error
}

// Docker runs session resources as containers on one docker network.
type Docker struct {
	api    containerAPI
	cfg    DockerConfig
	logger *slog.Logger
}

var _ Runtime = (*Docker)(nil)

// NewDocker connects to the docker daemon configured by the environment
// (or cfg.Host).
func NewDocker(cfg DockerConfig, logger *slog.Logger) (*Docker, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	cl, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return newDocker(&dockerClient{cl: cl}, cfg, logger), nil
}

func newDocker(api containerAPI, cfg DockerConfig, logger *slog.Logger) *Docker {
	if cfg.JupyterPort == 0 {
		cfg.JupyterPort = 8888
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Docker{api: api, cfg: cfg, logger: log.WithComponent(logger, "runtime.docker")}
}

// Launch creates and starts the memory server, kernel gateway and notebook
// server of a session, in that order.
func (d *Docker) Launch(ctx context.Context, spec LaunchSpec) (Session, error) {
	logger := log.WithSessionContext(d.logger, spec.Key.ProjectUUID, spec.Key.PipelineUUID)
	sess := &dockerSession{
		api:     d.api,
		key:     spec.Key,
		handles: Handles{ContainerIDs: make(map[string]string, len(Resources))},
	}

	for _, resource := range Resources {
		cfg, hostCfg := d.containerConfig(resource, spec)
		netCfg := &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{d.cfg.Network: {}},
		}

		id, err := d.api.create(ctx, containerName(resource, spec.Key), cfg, hostCfg, netCfg)
		if err != nil {
			return nil, d.abort(ctx, sess, fmt.Errorf("creating %s: %w", resource, err))
		}
		sess.handles.ContainerIDs[resource] = id

		if err := d.api.start(ctx, id); err != nil {
			return nil, d.abort(ctx, sess, fmt.Errorf("starting %s: %w", resource, err))
		}
		logger.Debug("container started", slog.String("resource", resource), slog.String("container_id", id))
	}

	ip, err := d.api.inspectIP(ctx, sess.handles.ContainerIDs[ResourceJupyterServer], d.cfg.Network)
	if err != nil {
		return nil, d.abort(ctx, sess, fmt.Errorf("inspecting %s: %w", ResourceJupyterServer, err))
	}
	sess.handles.JupyterServerIP = ip
	sess.handles.NotebookServerInfo = &backend.NotebookServerInfo{
		Port:    d.cfg.JupyterPort,
		BaseURL: "/jupyter_" + strings.ReplaceAll(ip, ".", "_"),
	}

	logger.Info("session resources launched", slog.String("jupyter_server_ip", ip))
	return sess, nil
}

// abort removes whatever part of a session was created before err.
func (d *Docker) abort(ctx context.Context, sess *dockerSession, err error) error {
	if shutdownErr := sess.Shutdown(context.WithoutCancel(ctx)); shutdownErr != nil {
		d.logger.Error("failed to clean up partially launched session",
			slog.String("session", sess.key.String()), log.Error(shutdownErr))
		return errors.Join(err, shutdownErr)
	}
	return err
}

// Reconstruct rebuilds a session from stored handles.
func (d *Docker) Reconstruct(key backend.SessionKey, h Handles) Session {
	return &dockerSession{api: d.api, key: key, handles: h}
}

func (d *Docker) containerConfig(resource string, spec LaunchSpec) (*container.Config, *container.HostConfig) {
	labels := map[string]string{
		LabelProject:  spec.Key.ProjectUUID,
		LabelPipeline: spec.Key.PipelineUUID,
		LabelResource: resource,
	}
	for k, v := range d.cfg.Labels {
		labels[k] = v
	}

	env := []string{
		"ORCHEST_PROJECT_UUID=" + spec.Key.ProjectUUID,
		"ORCHEST_PIPELINE_UUID=" + spec.Key.PipelineUUID,
		"ORCHEST_PIPELINE_PATH=" + spec.PipelinePath,
	}

	var mounts []mount.Mount
	if spec.ProjectDir != "" {
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: spec.ProjectDir, Target: "/project-dir"})
	}
	if spec.HostUserdir != "" {
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: spec.HostUserdir, Target: "/userdir"})
	}

	cfg := &container.Config{Env: env, Labels: labels}
	host := &container.HostConfig{Mounts: mounts}

	switch resource {
	case ResourceMemoryServer:
		cfg.Image = d.cfg.MemoryServerImage
		host.ShmSize = 1 << 30
	case ResourceKernelGateway:
		cfg.Image = d.cfg.KernelGatewayImage
		cfg.Env = append(cfg.Env, "EG_DOCKER_NETWORK="+d.cfg.Network)
	case ResourceJupyterServer:
		cfg.Image = d.cfg.JupyterServerImage
		port := nat.Port(strconv.Itoa(d.cfg.JupyterPort) + "/tcp")
		cfg.ExposedPorts = nat.PortSet{port: struct{}{}}
		cfg.Cmd = []string{
			"--port=" + strconv.Itoa(d.cfg.JupyterPort),
			"--gateway-url=http://" + containerName(ResourceKernelGateway, spec.Key) + ":8888",
		}
	}
	return cfg, host
}

func containerName(resource string, key backend.SessionKey) string {
	return fmt.Sprintf("%s-%s-%s", resource, key.ProjectUUID, key.PipelineUUID)
}

type dockerSession struct {
	api     containerAPI
	key     backend.SessionKey
	handles Handles
}

func (s *dockerSession) Key() backend.SessionKey { return s.key }

func (s *dockerSession) Handles() Handles { return s.handles }

// Shutdown removes containers in reverse launch order.
func (s *dockerSession) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(Resources) - 1; i >= 0; i-- {
		id, ok := s.handles.ContainerIDs[Resources[i]]
		if !ok || id == "" {
			continue
		}
		if err := s.api.remove(ctx, id); err != nil && !errdefs.IsNotFound(err) {
			errs = append(errs, fmt.Errorf("removing %s: %w", Resources[i], err))
		}
	}
	return errors.Join(errs...)
}

func (s *dockerSession) RestartSubresource(ctx context.Context, name string) error {
	id, ok := s.handles.ContainerIDs[name]
	if !ok || id == "" {
		return fmt.Errorf("session %s has no %s resource", s.key, name)
	}
	if err := s.api.restart(ctx, id); err != nil {
		return fmt.Errorf("restarting %s: %w", name, err)
	}
	return nil
}

// dockerClient adapts *client.Client to containerAPI.
type dockerClient struct {
	cl *client.Client
}

func (c *dockerClient) create(ctx context.Context, name string, cfg *container.Config, host *container.HostConfig, net *network.NetworkingConfig) (string, error) {
	resp, err := c.cl.ContainerCreate(ctx, cfg, host, net, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *dockerClient) start(ctx context.Context, id string) error {
	return c.cl.ContainerStart(ctx, id, container.StartOptions{})
}

func (c *dockerClient) inspectIP(ctx context.Context, id, networkName string) (string, error) {
	info, err := c.cl.ContainerInspect(ctx, id)
	if err != nil {
		return "", err
	}
	if info.NetworkSettings == nil {
		return "", fmt.Errorf("container %s has no network settings", id)
	}
	ep, ok := info.NetworkSettings.Networks[networkName]
	if !ok || ep == nil || ep.IPAddress == "" {
		return "", fmt.Errorf("container %s has no address on network %s", id, networkName)
	}
	return ep.IPAddress, nil
}

func (c *dockerClient) remove(ctx context.Context, id string) error {
	return c.cl.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
}

func (c *dockerClient) restart(ctx context.Context, id string) error {
	return c.cl.ContainerRestart(ctx, id, container.StopOptions{})
}
