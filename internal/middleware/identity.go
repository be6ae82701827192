package middleware

import (
	"context"
	"net/http"

	"trade-settlement-service/internal/domain"
	"trade-settlement-service/pkg/httputil"
)

// ParticipantHeader は呼び出し元の参加者IDを運ぶヘッダー。認証はゲートウェイが行う。
const ParticipantHeader = "X-Participant-ID"

type participantKey struct{}

// Identity はヘッダーの参加者IDを検証してコンテキストに格納する。
// 形式が不正な場合は400を返す。ヘッダーがない場合は匿名として通す。
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(ParticipantHeader)
		if id == "" {
			next.ServeHTTP(w, r)
			return
		}
		if err := domain.ValidateIdentity(id); err != nil {
			httputil.Error(w, http.StatusBadRequest, "INVALID_PARTICIPANT_ID", "invalid participant ID format")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithParticipant(r.Context(), id)))
	})
}

// RequireParticipant は参加者IDのないリクエストを401で拒否する。
func RequireParticipant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ParticipantFrom(r.Context()) == "" {
			httputil.Error(w, http.StatusUnauthorized, "MISSING_PARTICIPANT_ID", ParticipantHeader+" header is required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WithParticipant は参加者IDを格納したコンテキストを返す。
func WithParticipant(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, participantKey{}, id)
}

// ParticipantFrom はコンテキストの参加者IDを返す。匿名の場合は空文字。
func ParticipantFrom(ctx context.Context) string {
	id, _ := ctx.Value(participantKey{}).(string)
	return id
}
