package roles

import (
	"strconv"

	response "makerchecker/api/handlers/common"
	"makerchecker/internal/auth"
	"makerchecker/internal/role"

	"github.com/gin-gonic/gin"
)

// RoleHandler 后台角色处理器；写操作只提交审批请求
type RoleHandler struct {
	roles    *role.Service
	requests *role.Requests
}

// NewRoleHandler 创建角色处理器
func NewRoleHandler(roles *role.Service, requests *role.Requests) *RoleHandler {
	return &RoleHandler{roles: roles, requests: requests}
}

// List 角色列表
func (h *RoleHandler) List(c *gin.Context) {
	items, err := h.roles.List(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, items)
}

// Get 角色详情
func (h *RoleHandler) Get(c *gin.Context) {
	id, ok := roleID(c)
	if !ok {
		return
	}
	r, err := h.roles.Get(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, r)
}

// Create 提议新建角色
func (h *RoleHandler) Create(c *gin.Context) {
	var in role.RoleInput
	if err := c.ShouldBindJSON(&in); err != nil {
		response.BadRequest(c, "参数错误: %v", err)
		return
	}
	actor, _ := auth.GetActor(c)
	sub, err := h.requests.ProposeCreate(c.Request.Context(), actor, in)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, sub.Message, sub)
}

// Update 提议修改角色
func (h *RoleHandler) Update(c *gin.Context) {
	id, ok := roleID(c)
	if !ok {
		return
	}
	var in role.RoleInput
	if err := c.ShouldBindJSON(&in); err != nil {
		response.BadRequest(c, "参数错误: %v", err)
		return
	}
	actor, _ := auth.GetActor(c)
	sub, err := h.requests.ProposeUpdate(c.Request.Context(), actor, id, in)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, sub.Message, sub)
}

// Delete 提议删除角色
func (h *RoleHandler) Delete(c *gin.Context) {
	id, ok := roleID(c)
	if !ok {
		return
	}
	actor, _ := auth.GetActor(c)
	sub, err := h.requests.ProposeDelete(c.Request.Context(), actor, id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, sub.Message, sub)
}

func roleID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		response.BadRequest(c, "invalid role id")
		return 0, false
	}
	return id, true
}
