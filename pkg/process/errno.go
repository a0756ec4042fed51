package process

import (
	"errors"

	"kcore/pkg/mm"
	"kcore/pkg/vfs"
)

// Kernel errors returned at the system-call boundary.
var (
	ErrNoSuchProcess    = errors.New("no such process")
	ErrPermissionDenied = errors.New("operation not permitted")
	ErrInvalidSignal    = errors.New("invalid signal")
	ErrInvalidState     = errors.New("invalid state for operation")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrInterrupted      = errors.New("interrupted system call")
	ErrRestart          = errors.New("restart system call")
	ErrBrokenResource   = errors.New("broken pipe")
	ErrWouldBlock       = errors.New("operation would block")
	ErrTableFull        = errors.New("process table full")
	ErrNoChild          = errors.New("no child processes")
	ErrBadDescriptor    = errors.New("bad file descriptor")
	ErrTooManyFiles     = errors.New("too many open files")
	ErrNotFound         = errors.New("not found")
	ErrHalted           = errors.New("kernel halted")
	ErrExecFormat       = errors.New("exec format error")
)

// Errno is a userspace error number.
type Errno int

// Error numbers, Linux values.
const (
	EPERM       Errno = 1
	ENOENT      Errno = 2
	ESRCH       Errno = 3
	EINTR       Errno = 4
	ENOEXEC     Errno = 8
	EBADF       Errno = 9
	ECHILD      Errno = 10
	EAGAIN      Errno = 11
	ENOMEM      Errno = 12
	EFAULT      Errno = 14
	EEXIST      Errno = 17
	ENOTDIR     Errno = 20
	EISDIR      Errno = 21
	EINVAL      Errno = 22
	ENFILE      Errno = 23
	EMFILE      Errno = 24
	EPIPE       Errno = 32
	ENOSYS      Errno = 38
	ERESTARTSYS Errno = 512
)

var errnoTable = []struct {
	err   error
	errno Errno
}{
	{ErrNoSuchProcess, ESRCH},
	{ErrPermissionDenied, EPERM},
	{ErrInvalidSignal, EINVAL},
	{ErrInvalidState, EINVAL},
	{ErrInvalidArgument, EINVAL},
	{ErrInterrupted, EINTR},
	{ErrRestart, ERESTARTSYS},
	{ErrBrokenResource, EPIPE},
	{ErrWouldBlock, EAGAIN},
	{ErrTableFull, EAGAIN},
	{ErrNoChild, ECHILD},
	{ErrBadDescriptor, EBADF},
	{ErrTooManyFiles, EMFILE},
	{ErrNotFound, ENOENT},
	{ErrExecFormat, ENOEXEC},
	{mm.ErrOutOfMemory, ENOMEM},
	{mm.ErrFault, EFAULT},
	{mm.ErrDoubleRelease, EINVAL},
	{vfs.ErrNotFound, ENOENT},
	{vfs.ErrExists, EEXIST},
	{vfs.ErrNotDirectory, ENOTDIR},
	{vfs.ErrIsDirectory, EISDIR},
	{vfs.ErrNotSupported, ENOSYS},
	{ErrLimitExceeded, ENOMEM},
}

// ToErrno maps a kernel error to the number userspace sees. Nil maps to 0
// and unknown errors to EINVAL.
func ToErrno(err error) Errno {
	if err == nil {
		return 0
	}
	for _, e := range errnoTable {
		if errors.Is(err, e.err) {
			return e.errno
		}
	}
	return EINVAL
}
