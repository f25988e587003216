package model

// Resource 是权限记录中的资源类别。
type Resource string

const (
	ResourceSubmission        Resource = "submission"
	ResourceMetadataFiles     Resource = "metadata-files"
	ResourceDataFiles         Resource = "data-files"
	ResourceAuditFiles        Resource = "audit-files"
	ResourceInternalFiles     Resource = "internal-files"
	ResourceStudyPublication  Resource = "study-publication"
	ResourceDBMetadata        Resource = "db-metadata"
	ResourceStudyIndex        Resource = "study-index"
	ResourceRevisionDate      Resource = "revision-date"
	ResourceValidationReports Resource = "validation-reports"
)

// AllResources 按固定顺序列出所有资源。
var AllResources = []Resource{
	ResourceSubmission, ResourceMetadataFiles, ResourceDataFiles, ResourceAuditFiles, ResourceInternalFiles,
	ResourceStudyPublication, ResourceDBMetadata, ResourceStudyIndex, ResourceRevisionDate, ResourceValidationReports,
}

// Scope 是对某个资源允许的操作。
type Scope string

const (
	ScopeList            Scope = "list"
	ScopeView            Scope = "view"
	ScopeCreate          Scope = "create"
	ScopeUpdate          Scope = "update"
	ScopeDelete          Scope = "delete"
	ScopeUpload          Scope = "upload"
	ScopeDownload        Scope = "download"
	ScopeMakePrivate     Scope = "make-private"
	ScopeMakeProvisional Scope = "make-provisional"
	ScopeCreateRevision  Scope = "create-revision"
	ScopeUpdateLicense   Scope = "update-license"
)

// IsMutating 报告该作用域是否会修改状态。
func (s Scope) IsMutating() bool {
	switch s {
	case ScopeList, ScopeView, ScopeDownload:
		return false
	}
	return true
}

// PermissionReason 是稳定的原因码，说明选中了哪个作用域模板。
type PermissionReason string

const (
	ReasonNoStudy              PermissionReason = "no-study"
	ReasonNotAuthenticated     PermissionReason = "not-authenticated"
	ReasonPublicNonOwner       PermissionReason = "public-non-owner"
	ReasonPrivateWithCode      PermissionReason = "private-with-code"
	ReasonProvisionalNonOwner  PermissionReason = "provisional-non-owner"
	ReasonCuratorPublic        PermissionReason = "curator-public"
	ReasonCuratorPrivate       PermissionReason = "curator-private"
	ReasonCuratorProvisional   PermissionReason = "curator-provisional"
	ReasonOwnerProvisional     PermissionReason = "owner-provisional"
	ReasonOwnerPrivateOrPublic PermissionReason = "owner-private-or-public"
)

// PermissionContext 是一次权限计算的输入，按请求构建，不持久化。
type PermissionContext struct {
	User            *User  // nil 表示匿名调用
	Study           *Study // nil 表示研究不存在
	IsOwner         bool
	ObfuscationCode string
}

// StudyAccessPermission 是权限计算的结果：按资源列出允许的作用域。
type StudyAccessPermission struct {
	StudyID     string               `json:"studyId"`
	StudyStatus StudyStatus          `json:"studyStatus"`
	Reason      PermissionReason     `json:"reason"`
	UserID      uint                 `json:"userId"`
	Username    string               `json:"username"`
	IsOwner     bool                 `json:"isOwner"`
	IsCurator   bool                 `json:"isCurator"`
	IsReviewer  bool                 `json:"isReviewer"`
	Scopes      map[Resource][]Scope `json:"scopes"`
}

// Has 报告是否允许对资源执行某作用域。
func (p *StudyAccessPermission) Has(resource Resource, scope Scope) bool {
	if p == nil {
		return false
	}
	for _, s := range p.Scopes[resource] {
		if s == scope {
			return true
		}
	}
	return false
}

// Empty 报告记录是否不含任何作用域。
func (p *StudyAccessPermission) Empty() bool {
	if p == nil {
		return true
	}
	for _, scopes := range p.Scopes {
		if len(scopes) > 0 {
			return false
		}
	}
	return true
}
