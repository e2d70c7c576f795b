/*
Package hostprobe provides distribution and init system detection, the
service-restart primitive, and the connectivity probe used to judge
whether a host is reachable while a revert is pending.

Detection is deterministic and side-effect-free (it reads /etc/os-release
and checks for well-known binaries on PATH). A small set of init-system
capability objects is built once at detection time, and callers invoke
the capability rather than branching on a distro string.
*/
package hostprobe
