package operation

// Key 操作键：注册表查找处理器使用的字符串标识，同时作为审批请求的 approvalRequestType
type Key string

// String 实现 fmt.Stringer
func (k Key) String() string { return string(k) }

// 后台角色管理
const (
	KeyCreateRole         Key = "CREATE_ROLE"
	KeyUpdateRole         Key = "UPDATE_ROLE"
	KeyDeleteRole         Key = "DELETE_ROLE"
	KeyDeclineRoleRequest Key = "DECLINE_ROLE_REQUEST"
)

// ModuleRole 角色管理模块
const ModuleRole = "ROLE"

// declineKeys 模块 -> 拒绝操作键。拒绝不依赖请求自身的类型，每个模块固定一个键
var declineKeys = map[string]Key{
	ModuleRole: KeyDeclineRoleRequest,
}

// DeclineKey 返回模块的拒绝操作键
func DeclineKey(module string) (Key, bool) {
	k, ok := declineKeys[module]
	return k, ok
}
