package host

import (
	"context"

	"ExtensionHost/internal/activation"
	xerrors "ExtensionHost/internal/errors"
	"ExtensionHost/internal/observability/metrics"
	"ExtensionHost/internal/storage/mysql"
	"ExtensionHost/internal/storage/redis"
)

// historyRecorder 把终态写入激活历史仓库。
func historyRecorder(repo mysql.ActivationRepository) activation.Recorder {
	return activation.RecorderFunc(func(ctx context.Context, ext *activation.ActivatedExtension) error {
		return repo.Save(ctx, toRecord(ext))
	})
}

// mirrorRecorder 把终态镜像到 Redis。
func mirrorRecorder(m *redis.Mirror) activation.Recorder {
	return activation.RecorderFunc(func(ctx context.Context, ext *activation.ActivatedExtension) error {
		rec := toRecord(ext)
		return m.Put(ctx, redis.Entry{
			ExtensionID:  rec.ExtensionID,
			State:        string(ext.State()),
			ActivationID: rec.ActivationID,
			Trigger:      rec.Trigger,
			ErrorCode:    rec.ErrorCode,
			Error:        rec.Error,
			UpdatedAt:    ext.StartedAt.Add(ext.Duration).UnixMilli(),
		})
	})
}

func metricsRecorder() activation.Recorder {
	return activation.RecorderFunc(func(_ context.Context, ext *activation.ActivatedExtension) error {
		code := ""
		if ext.Err != nil {
			code = string(xerrors.CodeOf(ext.Err))
		}
		metrics.ObserveActivation(ext.ActivationFailed, code, ext.Duration)
		return nil
	})
}

func toRecord(ext *activation.ActivatedExtension) mysql.ActivationRecord {
	rec := mysql.ActivationRecord{
		ActivationID: ext.ActivationID,
		ExtensionID:  ext.ID,
		Trigger:      ext.Trigger,
		Failed:       ext.ActivationFailed,
		StartedAt:    ext.StartedAt.UnixMilli(),
		DurationMS:   ext.Duration.Milliseconds(),
	}
	if ext.Err != nil {
		rec.ErrorCode = string(xerrors.CodeOf(ext.Err))
		rec.Error = ext.Err.Error()
	}
	return rec
}
