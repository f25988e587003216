package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"study-lifecycle-go/internal/config"
	"study-lifecycle-go/internal/model"
	"study-lifecycle-go/pkg/apperr"
	"study-lifecycle-go/pkg/log"
)

// NotificationType 是通知事件的种类。
type NotificationType string

const (
	NotifyPublicRelease  NotificationType = "PUBLIC_RELEASE"
	NotifyTechnicalIssue NotificationType = "TECHNICAL_ISSUE"
	NotifyStatusChanged  NotificationType = "STATUS_CHANGED"
)

// Notification 是写入通知 topic 的事件，由外部邮件网关投递。
type Notification struct {
	Type       NotificationType `json:"type"`
	StudyID    string           `json:"studyId"`
	Recipients []string         `json:"recipients"`
	Subject    string           `json:"subject"`
	Body       string           `json:"body"`
	CreatedAt  time.Time        `json:"createdAt"`
}

// Publisher 发送一条事件，kafka.EventWriter 实现了它。
type Publisher interface {
	Publish(ctx context.Context, key string, value []byte) error
}

// NotificationService 负责生成并发布通知事件。
type NotificationService interface {
	PublicRelease(ctx context.Context, study *model.Study, recipients []string) error
	TechnicalIssue(ctx context.Context, studyID, pipeline, reason string) error
	StatusChanged(ctx context.Context, study *model.Study, from model.StudyStatus, recipients []string) error
}

type notificationService struct {
	publisher Publisher
	cfg       config.NotificationConfig
	now       func() time.Time
}

// NewNotificationService 创建一个新的 NotificationService 实例。publisher 为 nil 时只记录日志。
func NewNotificationService(publisher Publisher, cfg config.NotificationConfig) NotificationService {
	return &notificationService{
		publisher: publisher,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *notificationService) PublicRelease(ctx context.Context, study *model.Study, recipients []string) error {
	return s.send(ctx, Notification{
		Type:       NotifyPublicRelease,
		StudyID:    study.DisplayID(),
		Recipients: recipients,
		Subject:    fmt.Sprintf("Study %s is now public", study.DisplayID()),
		Body: fmt.Sprintf("Study %s revision %d has been released to the public mirror.",
			study.DisplayID(), study.RevisionNumber),
	})
}

func (s *notificationService) TechnicalIssue(ctx context.Context, studyID, pipeline, reason string) error {
	if s.cfg.TechnicalIssueAddress == "" {
		log.Warnf("[Notify] 未配置技术问题收件地址, 研究 %s 的失败通知被丢弃: %s", studyID, reason)
		return nil
	}
	return s.send(ctx, Notification{
		Type:       NotifyTechnicalIssue,
		StudyID:    studyID,
		Recipients: []string{s.cfg.TechnicalIssueAddress},
		Subject:    fmt.Sprintf("[%s] %s failed", studyID, pipeline),
		Body:       reason,
	})
}

func (s *notificationService) StatusChanged(ctx context.Context, study *model.Study, from model.StudyStatus, recipients []string) error {
	return s.send(ctx, Notification{
		Type:       NotifyStatusChanged,
		StudyID:    study.DisplayID(),
		Recipients: recipients,
		Subject:    fmt.Sprintf("Study %s status changed to %s", study.DisplayID(), study.Status),
		Body:       fmt.Sprintf("Study %s moved from %s to %s.", study.DisplayID(), from, study.Status),
	})
}

func (s *notificationService) send(ctx context.Context, n Notification) error {
	n.CreatedAt = s.now()
	if s.publisher == nil {
		log.Infof("[Notify] %s %s -> %v (未配置发布者)", n.Type, n.StudyID, n.Recipients)
		return nil
	}
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	if err := s.publisher.Publish(ctx, n.StudyID, body); err != nil {
		log.Errorf("[Notify] 发布通知失败: type=%s, study=%s, err=%v", n.Type, n.StudyID, err)
		return apperr.External.Wrap(err)
	}
	log.Infof("[Notify] 已发布 %s 通知: study=%s", n.Type, n.StudyID)
	return nil
}
