package service

import (
	"crypto/subtle"

	"study-lifecycle-go/internal/model"
	"study-lifecycle-go/pkg/apperr"
)

type scopeTemplate map[model.Resource][]model.Scope

var (
	readScopes = []model.Scope{model.ScopeList, model.ScopeView, model.ScopeDownload}
	fileScopes = []model.Scope{model.ScopeList, model.ScopeView, model.ScopeDownload,
		model.ScopeCreate, model.ScopeUpdate, model.ScopeDelete, model.ScopeUpload}
)

// 十个作用域模板，按原因码索引。模板是静态表，计算时复制后再按用户状态裁剪。
var scopeTemplates = map[model.PermissionReason]scopeTemplate{
	model.ReasonNoStudy:          {},
	model.ReasonNotAuthenticated: {},
	model.ReasonPublicNonOwner: {
		model.ResourceSubmission:       {model.ScopeView},
		model.ResourceMetadataFiles:    readScopes,
		model.ResourceDataFiles:        readScopes,
		model.ResourceStudyPublication: {model.ScopeView},
		model.ResourceDBMetadata:       {model.ScopeView},
		model.ResourceRevisionDate:     {model.ScopeView},
	},
	model.ReasonPrivateWithCode: {
		model.ResourceSubmission:        {model.ScopeView},
		model.ResourceMetadataFiles:     readScopes,
		model.ResourceDataFiles:         readScopes,
		model.ResourceStudyPublication:  {model.ScopeView},
		model.ResourceDBMetadata:        {model.ScopeView},
		model.ResourceValidationReports: {model.ScopeView},
	},
	model.ReasonProvisionalNonOwner: {},
	model.ReasonCuratorPublic: {
		model.ResourceSubmission: {model.ScopeView, model.ScopeUpdate, model.ScopeMakePrivate,
			model.ScopeCreateRevision, model.ScopeUpdateLicense},
		model.ResourceMetadataFiles:     fileScopes,
		model.ResourceDataFiles:         fileScopes,
		model.ResourceAuditFiles:        fileScopes,
		model.ResourceInternalFiles:     fileScopes,
		model.ResourceStudyPublication:  {model.ScopeView, model.ScopeUpdate},
		model.ResourceDBMetadata:        {model.ScopeView, model.ScopeUpdate},
		model.ResourceStudyIndex:        {model.ScopeView, model.ScopeUpdate, model.ScopeDelete},
		model.ResourceRevisionDate:      {model.ScopeView, model.ScopeUpdate},
		model.ResourceValidationReports: {model.ScopeView, model.ScopeCreate},
	},
	model.ReasonCuratorPrivate: {
		model.ResourceSubmission: {model.ScopeView, model.ScopeUpdate, model.ScopeDelete, model.ScopeMakePrivate,
			model.ScopeMakeProvisional, model.ScopeCreateRevision, model.ScopeUpdateLicense},
		model.ResourceMetadataFiles:     fileScopes,
		model.ResourceDataFiles:         fileScopes,
		model.ResourceAuditFiles:        fileScopes,
		model.ResourceInternalFiles:     fileScopes,
		model.ResourceStudyPublication:  {model.ScopeView, model.ScopeUpdate},
		model.ResourceDBMetadata:        {model.ScopeView, model.ScopeUpdate},
		model.ResourceStudyIndex:        {model.ScopeView, model.ScopeUpdate, model.ScopeDelete},
		model.ResourceRevisionDate:      {model.ScopeView, model.ScopeUpdate},
		model.ResourceValidationReports: {model.ScopeView, model.ScopeCreate},
	},
	model.ReasonCuratorProvisional: {
		model.ResourceSubmission: {model.ScopeView, model.ScopeUpdate, model.ScopeDelete,
			model.ScopeMakePrivate, model.ScopeMakeProvisional, model.ScopeUpdateLicense},
		model.ResourceMetadataFiles:     fileScopes,
		model.ResourceDataFiles:         fileScopes,
		model.ResourceAuditFiles:        fileScopes,
		model.ResourceInternalFiles:     fileScopes,
		model.ResourceDBMetadata:        {model.ScopeView, model.ScopeUpdate},
		model.ResourceStudyIndex:        {model.ScopeView, model.ScopeUpdate, model.ScopeDelete},
		model.ResourceValidationReports: {model.ScopeView, model.ScopeCreate},
	},
	model.ReasonOwnerProvisional: {
		model.ResourceSubmission:        {model.ScopeView, model.ScopeUpdate, model.ScopeMakePrivate, model.ScopeUpdateLicense},
		model.ResourceMetadataFiles:     fileScopes,
		model.ResourceDataFiles:         fileScopes,
		model.ResourceAuditFiles:        {model.ScopeList, model.ScopeView},
		model.ResourceDBMetadata:        {model.ScopeView},
		model.ResourceValidationReports: {model.ScopeView, model.ScopeCreate},
	},
	model.ReasonOwnerPrivateOrPublic: {
		model.ResourceSubmission:        {model.ScopeView, model.ScopeUpdate, model.ScopeCreateRevision},
		model.ResourceMetadataFiles:     readScopes,
		model.ResourceDataFiles:         readScopes,
		model.ResourceAuditFiles:        {model.ScopeList, model.ScopeView},
		model.ResourceStudyPublication:  {model.ScopeView, model.ScopeUpdate},
		model.ResourceDBMetadata:        {model.ScopeView},
		model.ResourceRevisionDate:      {model.ScopeView},
		model.ResourceValidationReports: {model.ScopeView, model.ScopeCreate},
	},
}

// EvaluatePermission 是无状态的权限计算：根据调用者和研究状态选出一个作用域模板。
// 非 Active 用户会被去掉所有变更类作用域。
func EvaluatePermission(ctx model.PermissionContext) *model.StudyAccessPermission {
	perm := &model.StudyAccessPermission{
		Scopes:    map[model.Resource][]model.Scope{},
		IsOwner:   ctx.IsOwner,
		IsCurator: ctx.User.IsCurator(),
	}
	if ctx.User != nil {
		perm.UserID = ctx.User.ID
		perm.Username = ctx.User.Username
	}
	if ctx.Study != nil {
		perm.StudyID = ctx.Study.DisplayID()
		perm.StudyStatus = ctx.Study.Status
	}
	perm.Reason = selectReason(ctx)
	perm.IsReviewer = perm.Reason == model.ReasonPrivateWithCode

	mutating := ctx.User.IsActive()
	for resource, scopes := range scopeTemplates[perm.Reason] {
		kept := make([]model.Scope, 0, len(scopes))
		for _, s := range scopes {
			if s.IsMutating() && !mutating {
				continue
			}
			kept = append(kept, s)
		}
		if len(kept) > 0 {
			perm.Scopes[resource] = kept
		}
	}
	return perm
}

func selectReason(ctx model.PermissionContext) model.PermissionReason {
	study := ctx.Study
	if study == nil {
		return model.ReasonNoStudy
	}
	provisional := study.Status == model.StatusProvisional || study.Status == model.StatusDormant
	switch {
	case ctx.User.IsCurator():
		switch {
		case study.Status == model.StatusPublic:
			return model.ReasonCuratorPublic
		case provisional:
			return model.ReasonCuratorProvisional
		default:
			return model.ReasonCuratorPrivate
		}
	case ctx.User != nil && ctx.IsOwner:
		if provisional {
			return model.ReasonOwnerProvisional
		}
		return model.ReasonOwnerPrivateOrPublic
	case study.Status == model.StatusPublic:
		return model.ReasonPublicNonOwner
	case (study.Status == model.StatusPrivate || study.Status == model.StatusInReview) && codeMatches(ctx.ObfuscationCode, study.ObfuscationCode):
		return model.ReasonPrivateWithCode
	case ctx.User == nil:
		return model.ReasonNotAuthenticated
	}
	return model.ReasonProvisionalNonOwner
}

func codeMatches(given, expected string) bool {
	if given == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(given), []byte(expected)) == 1
}

// Require 检查权限记录是否允许对资源执行作用域。
// 研究不存在返回 not-found，匿名调用返回 unauthorised，其余返回 forbidden。
func Require(perm *model.StudyAccessPermission, resource model.Resource, scope model.Scope) error {
	if perm.Has(resource, scope) {
		return nil
	}
	switch perm.Reason {
	case model.ReasonNoStudy:
		return apperr.NotFound.New("study %s not found", perm.StudyID)
	case model.ReasonNotAuthenticated:
		return apperr.Unauthorised.New("authentication required for %s:%s", resource, scope)
	}
	return apperr.Forbidden.New("user %q is not allowed to %s %s of study %s", perm.Username, scope, resource, perm.StudyID)
}

// StatusScope 返回把研究切换到目标状态所需的 submission 作用域。
func StatusScope(target model.StudyStatus) (model.Scope, bool) {
	switch target {
	case model.StatusPrivate:
		return model.ScopeMakePrivate, true
	case model.StatusProvisional:
		return model.ScopeMakeProvisional, true
	case model.StatusInReview:
		return model.ScopeUpdate, true
	}
	return "", false
}

// PermissionService 为一次请求加载研究与所有权信息并计算权限。
type PermissionService interface {
	// Evaluate 计算调用者对研究的权限。failSilently 为 false 时，空权限记录会被转换为错误。
	Evaluate(identifier string, user *model.User, obfuscationCode string, failSilently bool) (*model.StudyAccessPermission, *model.Study, error)
}

type permissionService struct {
	registry RegistryService
}

// NewPermissionService 创建一个新的 PermissionService 实例。
func NewPermissionService(registry RegistryService) PermissionService {
	return &permissionService{registry: registry}
}

func (s *permissionService) Evaluate(identifier string, user *model.User, obfuscationCode string, failSilently bool) (*model.StudyAccessPermission, *model.Study, error) {
	study, err := s.registry.Get(identifier)
	if err != nil && !apperr.NotFound.Has(err) {
		return nil, nil, err
	}
	var owner bool
	if study != nil {
		if owner, err = s.registry.IsOwner(study, user); err != nil {
			return nil, nil, err
		}
	}
	perm := EvaluatePermission(model.PermissionContext{
		User:            user,
		Study:           study,
		IsOwner:         owner,
		ObfuscationCode: obfuscationCode,
	})
	if study == nil {
		perm.StudyID = identifier
	}
	if !failSilently && perm.Empty() {
		return perm, study, Require(perm, model.ResourceSubmission, model.ScopeView)
	}
	return perm, study, nil
}
