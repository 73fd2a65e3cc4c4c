// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package schema

import "github.com/cubefs/confdb/proto"

const root = proto.ConfigRoot

func init() {
	build([]typeDef{
		{name: root},
		{
			name:    "global_system_config",
			parents: []string{root},
			props:   []string{"autonomous_system", "enable_4byte_as", "bgp_always_compare_med", "plugin_tuning"},
			maps:    []CollectionField{{Field: "user_defined_log_statistics", Wrapper: "statlist", Key: "name"}},
		},
		{
			name:    "domain",
			parents: []string{root},
			props:   []string{"domain_limits"},
		},
		{
			name:    "project",
			parents: []string{"domain"},
			props:   []string{"quota", "vxlan_routing"},
			refs:    []RefField{{PeerType: "tag", Weak: true}},
		},
		{
			name:    "tag",
			parents: []string{"project", root},
			props:   []string{"tag_type_name", "tag_value", "tag_id"},
		},
		{
			name:    "virtual_DNS",
			parents: []string{"domain"},
			props:   []string{"virtual_DNS_data"},
		},
		{
			name:    "virtual_DNS_record",
			parents: []string{"virtual_DNS"},
			props:   []string{"virtual_DNS_record_data"},
		},
		{
			name:    "network_ipam",
			parents: []string{"project"},
			props:   []string{"network_ipam_mgmt", "ipam_subnet_method", "ipam_subnets", "ipam_subnetting"},
			refs:    []RefField{{PeerType: "virtual_DNS"}},
			quota:   true,
		},
		{
			name:    "network_policy",
			parents: []string{"project"},
			props:   []string{"network_policy_entries"},
			quota:   true,
		},
		{
			name:    "route_table",
			parents: []string{"project"},
			props:   []string{"routes"},
			quota:   true,
		},
		{
			name:    "route_target",
			parents: []string{root},
		},
		{
			name:    "virtual_network",
			parents: []string{"project"},
			props: []string{
				"virtual_network_properties", "route_target_list", "import_route_target_list",
				"export_route_target_list", "virtual_network_network_id", "multi_policy_service_chains_enabled",
				"provider_properties", "flood_unknown_unicast", "is_shared", "router_external",
				"address_allocation_mode", "virtual_network_fat_flow_protocols",
			},
			refs: []RefField{
				{PeerType: "network_ipam", AttrType: "VnSubnetsType"},
				{PeerType: "network_policy", AttrType: "VirtualNetworkPolicyType", Relaxable: true},
				{PeerType: "route_table", Relaxable: true},
				{PeerType: "virtual_network"},
				{PeerType: "tag", Weak: true},
			},
			quota: true,
		},
		{
			name:    "routing_instance",
			parents: []string{"virtual_network"},
			props:   []string{"routing_instance_is_default", "service_chain_information"},
			refs: []RefField{
				{PeerType: "route_target", AttrType: "InstanceTargetType"},
				{PeerType: "routing_instance", AttrType: "ConnectionType"},
			},
		},
		{
			name:    "security_group",
			parents: []string{"project"},
			props:   []string{"security_group_id", "configured_security_group_id", "security_group_entries"},
			quota:   true,
		},
		{
			name:    "virtual_machine",
			parents: []string{root},
			props:   []string{"server_type"},
		},
		{
			name:    "virtual_machine_interface",
			parents: []string{"project", "virtual_machine"},
			props: []string{
				"virtual_machine_interface_mac_addresses", "virtual_machine_interface_properties",
				"virtual_machine_interface_device_owner", "virtual_machine_interface_disable_policy",
				"port_security_enabled",
			},
			lists: []CollectionField{{Field: "virtual_machine_interface_fat_flow_protocols", Wrapper: "fat_flow_protocol"}},
			maps:  []CollectionField{{Field: "virtual_machine_interface_bindings", Wrapper: "key_value_pair", Key: "key"}},
			refs: []RefField{
				{PeerType: "virtual_network"},
				{PeerType: "security_group"},
				{PeerType: "virtual_machine"},
				{PeerType: "routing_instance", AttrType: "PolicyBasedForwardingRuleType"},
				{PeerType: "virtual_machine_interface"},
				{PeerType: "tag", Weak: true},
			},
			quota: true,
		},
		{
			name:    "instance_ip",
			parents: []string{root},
			props: []string{
				"instance_ip_address", "instance_ip_family", "instance_ip_mode", "subnet_uuid",
				"service_instance_ip", "service_health_check_ip", "instance_ip_secondary",
			},
			refs: []RefField{
				{PeerType: "virtual_network"},
				{PeerType: "virtual_machine_interface"},
			},
		},
		{
			name:    "floating_ip_pool",
			parents: []string{"virtual_network"},
			props:   []string{"floating_ip_pool_subnets"},
		},
		{
			name:    "floating_ip",
			parents: []string{"floating_ip_pool", "instance_ip"},
			props:   []string{"floating_ip_address", "floating_ip_address_family", "floating_ip_is_virtual_ip"},
			refs: []RefField{
				{PeerType: "project"},
				{PeerType: "virtual_machine_interface"},
			},
			quota: true,
		},
		{
			name:    "alias_ip_pool",
			parents: []string{"virtual_network"},
		},
		{
			name:    "alias_ip",
			parents: []string{"alias_ip_pool"},
			props:   []string{"alias_ip_address", "alias_ip_address_family"},
			refs: []RefField{
				{PeerType: "project"},
				{PeerType: "virtual_machine_interface"},
			},
		},
		{
			name:    "logical_router",
			parents: []string{"project"},
			props:   []string{"configured_route_target_list", "vxlan_network_identifier", "logical_router_type"},
			refs: []RefField{
				{PeerType: "virtual_machine_interface"},
				{PeerType: "virtual_network", AttrType: "LogicalRouterVirtualNetworkType"},
				{PeerType: "route_target", Relaxable: true},
			},
			quota: true,
		},
		{
			name:    "physical_router",
			parents: []string{"global_system_config"},
			props:   []string{"physical_router_product_name", "physical_router_vendor_name", "physical_router_management_ip"},
		},
		{
			name:    "physical_interface",
			parents: []string{"physical_router"},
			props:   []string{"ethernet_segment_identifier"},
		},
		{
			name:    "logical_interface",
			parents: []string{"physical_router", "physical_interface"},
			props:   []string{"logical_interface_vlan_tag", "logical_interface_type"},
			refs:    []RefField{{PeerType: "virtual_machine_interface"}},
		},
	})
}
