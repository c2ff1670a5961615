package route

import (
	"strings"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		route   string
		want    Route
		wantErr bool
	}{
		{
			name:  "invocation",
			route: "main.index",
			want:  Route{Raw: "main.index", Kind: KindInvocation, Path: []string{"main", "index"}},
		},
		{
			name:  "invocation keeps case",
			route: "Main.Timer",
			want:  Route{Raw: "Main.Timer", Kind: KindInvocation, Path: []string{"Main", "Timer"}},
		},
		{
			name:  "single segment",
			route: "ping",
			want:  Route{Raw: "ping", Kind: KindInvocation, Path: []string{"ping"}},
		},
		{
			name:  "replace by id",
			route: "=#result",
			want:  Route{Raw: "=#result", Kind: KindMutation, Mutation: Mutation{Mode: Replace, Addressing: Identifier, Target: "result"}},
		},
		{
			name:  "append by id",
			route: "+#log",
			want:  Route{Raw: "+#log", Kind: KindMutation, Mutation: Mutation{Mode: Append, Addressing: Identifier, Target: "log"}},
		},
		{
			name:  "swap by id",
			route: "@#panel",
			want:  Route{Raw: "@#panel", Kind: KindMutation, Mutation: Mutation{Mode: Swap, Addressing: Identifier, Target: "panel"}},
		},
		{
			name:  "bare id",
			route: "#timer",
			want:  Route{Raw: "#timer", Kind: KindMutation, Mutation: Mutation{Mode: Replace, Addressing: Identifier, Target: "timer"}},
		},
		{
			name:  "replace by query",
			route: "=div > p",
			want:  Route{Raw: "=div > p", Kind: KindMutation, Mutation: Mutation{Mode: Replace, Addressing: Query, Target: "div > p"}},
		},
		{
			name:  "append by class query",
			route: "+.log",
			want:  Route{Raw: "+.log", Kind: KindMutation, Mutation: Mutation{Mode: Append, Addressing: Query, Target: ".log"}},
		},
		{name: "empty", route: "", wantErr: true},
		{name: "lone replace", route: "=", wantErr: true},
		{name: "lone append", route: "+", wantErr: true},
		{name: "lone swap", route: "@", wantErr: true},
		{name: "lone id", route: "#", wantErr: true},
		{name: "replace id without target", route: "=#", wantErr: true},
		{name: "append id without target", route: "+#", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			got, err := Classify(tt.route)
			if tt.wantErr {
				re.ErrorIs(err, ErrInvalidRoute)
				return
			}
			re.NoError(err)
			re.Equal(tt.want, got)
		})
	}
}

func TestClassifyProperties(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	faker := gofakeit.New(0)
	for i := 0; i < 200; i++ {
		suffix := faker.Word()
		for _, prefix := range []string{"=", "+", "@", "#", "=#", "+#", "@#"} {
			r, err := Classify(prefix + suffix)
			re.NoError(err)
			re.Equal(KindMutation, r.Kind)
			re.Equal(suffix, r.Mutation.Target)
			re.NotEmpty(r.Mutation.Target)
			re.True(IsMutation(r.Raw))
		}

		invocation := strings.Join([]string{faker.Word(), faker.Word(), faker.Word()}, ".")
		r, err := Classify(invocation)
		re.NoError(err)
		re.Equal(KindInvocation, r.Kind)
		re.Equal(strings.Split(invocation, "."), r.Path)
		re.False(IsMutation(invocation))
	}
}

func TestMutationString(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	for _, raw := range []string{"=#result", "+#log", "@#panel", "=.cls", "+div > p", "@.card"} {
		r, err := Classify(raw)
		re.NoError(err)
		re.Equal(raw, r.Mutation.String())
	}

	r, err := Classify("#timer")
	re.NoError(err)
	re.Equal("=#timer", r.Mutation.String())
}
