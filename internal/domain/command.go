package domain

// CommandStatus 命令执行状态
type CommandStatus string

const (
	CommandStatusSuccess   CommandStatus = "SUCCESS"
	CommandStatusFailed    CommandStatus = "FAILED"    // 非零退出码
	CommandStatusTimedOut  CommandStatus = "TIMED_OUT" // 超过命令级超时
	CommandStatusException CommandStatus = "EXCEPTION" // 进程无法启动等
)

// CommandResult 设备 shell 或主机命令的执行结果
type CommandResult struct {
	Status   CommandStatus
	Stdout   string
	Stderr   string
	ExitCode int
}

// Succeeded 是否执行成功
func (r *CommandResult) Succeeded() bool {
	return r != nil && r.Status == CommandStatusSuccess
}
