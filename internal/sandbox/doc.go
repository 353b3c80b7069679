// Package sandbox hosts the kernel gateways that kernels run on.
//
// # Containers
//
// Container runs a Jupyter server in a hardened Docker container:
//   - CapDrop ALL and "no-new-privileges"
//   - Memory, CPU and PID limits, swap disabled
//   - An internal bridge network with no outside route unless
//     NetworkEnabled is set, in which case only a loopback port is published
//   - AutoRemove: the container is deleted once stopped
//   - A per-container random token guarding the gateway API
//
// Optional gVisor (runsc) runtime support provides additional kernel-level isolation.
//
// # Pool
//
// Pool keeps pre-started containers so that new sessions skip the
// container cold start. Containers are not reused between sessions.
//
// # Local fallback
//
// LocalGateway runs a single "jupyter kernelgateway" process on this
// machine. It is used when Docker is not reachable and offers no isolation.
//
// # Code guard
//
// GuardCode inspects the shell escapes of a cell (!cmd, %%bash, %system)
// and rejects destructive commands such as recursive deletes, disk
// formatting, shutdowns and fork bombs.
//
// # Usage
//
//	backend, err := sandbox.NewBackend(ctx, sandbox.BackendConfig{
//	    Backend:   sandbox.BackendDocker,
//	    Container: sandbox.DefaultContainerConfig(),
//	    PoolSize:  2,
//	})
//	if err != nil {
//	    return err
//	}
//	defer backend.Close()
//	registry := session.NewRegistry(backend, kernel.Options{})
package sandbox
