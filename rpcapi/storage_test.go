package rpcapi

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/usnistgov/daqcore"
	"github.com/usnistgov/daqcore/acqstore"
)

func TestStorageServiceNilStoreReturnsNotFound(t *testing.T) {
	svc := NewStorageService(nil)

	var listReply ListAcquisitionsReply
	require.NoError(t, svc.ListAcquisitions(&ListAcquisitionsArgs{}, &listReply))
	require.Empty(t, listReply.Acquisitions)

	var getReply GetAcquisitionReply
	err := svc.GetAcquisition(&GetAcquisitionArgs{RunUID: "run-1"}, &getReply)
	require.Error(t, err)
	var daqErr *daqcore.Error
	require.ErrorAs(t, err, &daqErr)
	require.Equal(t, daqcore.KindNotFound, daqErr.Kind)

	var annotateReply bool
	err = svc.AnnotateAcquisition(&AnnotateAcquisitionArgs{RunUID: "run-1"}, &annotateReply)
	require.Error(t, err)
	require.ErrorAs(t, err, &daqErr)
	require.Equal(t, daqcore.KindNotFound, daqErr.Kind)
}

func TestStorageServiceWithBackingStore(t *testing.T) {
	dir := t.TempDir()
	store, err := acqstore.New(dir)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.WriteDocument(daqcore.NewStart("run-1", "Count", "scan-1", 1000, nil)))
	descUID := "desc-1"
	require.NoError(t, store.WriteDocument(daqcore.NewDescriptor(descUID, "run-1", "primary",
		[]daqcore.DataKey{{Name: "det1", Dtype: "f64", Source: "det1"}})))
	require.NoError(t, store.WriteDocument(daqcore.NewStop("stop-1", "run-1", 1001, daqcore.ExitSuccess, "", map[string]uint64{"primary": 1})))

	svc := NewStorageService(store)

	var listReply ListAcquisitionsReply
	require.NoError(t, svc.ListAcquisitions(&ListAcquisitionsArgs{}, &listReply))
	require.Len(t, listReply.Acquisitions, 1)
	require.Equal(t, "run-1", listReply.Acquisitions[0].RunUID)

	var getReply GetAcquisitionReply
	require.NoError(t, svc.GetAcquisition(&GetAcquisitionArgs{RunUID: "run-1"}, &getReply))
	require.Equal(t, "Count", getReply.Summary.PlanName)

	var annotateReply bool
	require.NoError(t, svc.AnnotateAcquisition(&AnnotateAcquisitionArgs{RunUID: "run-1", Notes: "looks good", Tags: []string{"reviewed"}}, &annotateReply))
	require.True(t, annotateReply)

	require.NoError(t, svc.GetAcquisition(&GetAcquisitionArgs{RunUID: "run-1"}, &getReply))
	require.Equal(t, "looks good", getReply.Summary.UserNotes)
	require.Equal(t, []string{"reviewed"}, getReply.Summary.Tags)
}
