package split

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"testing"

	"resnet20/core/ckkswrapper"
	"resnet20/nn"
	"resnet20/nn/layers"
	"resnet20/tensor"
	"resnet20/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startServer serves head on one end of an in-memory pipe and returns the
// other end together with the channel carrying Serve's result.
func startServer(t *testing.T, head *layers.Linear) (net.Conn, <-chan error) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	errc := make(chan error, 1)
	go func() {
		defer serverConn.Close()
		errc <- NewServer(head, serverConn, serverConn).Serve(context.Background())
	}()
	t.Cleanup(func() { clientConn.Close() })
	return clientConn, errc
}

func TestSessionMatchesPlaintext(t *testing.T) {
	model := nn.NewResNet20(rand.New(rand.NewSource(1)))
	model.Eval()

	// the server holds its own copy of the head weights
	head := layers.NewLinear(nn.FeatureDim, nn.NumClasses, nil)
	copy(head.W.Value.Data, model.Classifier.W.Value.Data)
	copy(head.B.Value.Data, model.Classifier.B.Value.Data)

	conn, errc := startServer(t, head)
	heCtx := ckkswrapper.NewHeContext()
	client := NewClient(model, heCtx, conn, conn)
	client.Stats = &utils.TimingStats{}

	x := tensor.New(2, 3, 32, 32)
	rng := rand.New(rand.NewSource(2))
	for i := range x.Data {
		x.Data[i] = rng.NormFloat64()
	}
	want, err := model.Forward(x)
	require.NoError(t, err)

	got, err := client.Classify(x)
	require.NoError(t, err)
	require.Equal(t, want.Shape, got.Shape)
	for i := range want.Data {
		assert.InDelta(t, want.Data[i], got.Data[i], 1e-3, "logit %d", i)
	}
	assert.Positive(t, client.Stats.EncryptionTime)
	assert.Positive(t, client.Stats.TransportTime)

	// a second call reuses the session
	again, err := client.Classify(x)
	require.NoError(t, err)
	assert.Len(t, again.Data, 20)

	require.NoError(t, client.Close())
	require.NoError(t, <-errc)
}

func TestSessionRejectsHeadMismatch(t *testing.T) {
	conn, errc := startServer(t, layers.NewLinear(32, 10, nil))
	model := nn.NewResNet20(nil)
	client := NewClient(model, ckkswrapper.NewHeContext(), conn, conn)

	err := client.Setup()
	var remote *RemoteError
	require.True(t, errors.As(err, &remote), "got %v", err)
	assert.Error(t, <-errc)
}

func TestSessionReportsForwardErrors(t *testing.T) {
	head := layers.NewLinear(nn.FeatureDim, nn.NumClasses, nil)
	conn, errc := startServer(t, head)
	heCtx := ckkswrapper.NewHeContext()
	model := nn.NewResNet20(nil)
	client := NewClient(model, heCtx, conn, conn)
	require.NoError(t, client.Setup())

	// a ciphertext with no levels left cannot be evaluated without the key
	ct, err := heCtx.EncryptVector(make([]float64, nn.FeatureDim))
	require.NoError(t, err)
	heCtx.GenServerKit(nil).Evaluator.DropLevel(ct, ct.Level())
	require.NoError(t, client.proto.SendForward(0, ct))
	_, err = client.proto.ReceiveForward()
	var remote *RemoteError
	require.True(t, errors.As(err, &remote), "got %v", err)

	// the session survives the failed request
	x := tensor.New(1, 3, 32, 32)
	model.Eval()
	_, err = client.Classify(x)
	require.NoError(t, err)

	require.NoError(t, client.Close())
	require.NoError(t, <-errc)
}

func TestServeHonoursCancelledContext(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	head := layers.NewLinear(nn.FeatureDim, nn.NumClasses, nil)
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() {
		defer serverConn.Close()
		errc <- NewServer(head, serverConn, serverConn).Serve(ctx)
	}()

	client := NewClient(nn.NewResNet20(nil), ckkswrapper.NewHeContext(), clientConn, clientConn)
	require.NoError(t, client.Setup())
	cancel()
	// the server notices on its next loop iteration, after this request
	_ = client.proto.SendDone()
	err := <-errc
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}
}
